// Package genome 定义基因组坐标及其合法性约束。
package genome

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	xerrors "i-vis/internal/errors"
)

// Assembly 表示参考基因组版本。
type Assembly string

const (
	GRCh37 Assembly = "GRCh37"
	GRCh38 Assembly = "GRCh38"
)

// Assemblies 返回支持的全部参考基因组。
func Assemblies() []Assembly {
	return []Assembly{GRCh37, GRCh38}
}

// ParseAssembly 识别常见别名（hg19、hg38 等），大小写不敏感。
func ParseAssembly(s string) (Assembly, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "grch37", "hg19", "37":
		return GRCh37, nil
	case "grch38", "hg38", "38":
		return GRCh38, nil
	}
	return "", xerrors.Newf(CodeInvalidPosition, "未知的参考基因组: %q", s)
}

// Valid 判断是否属于支持的枚举值。
func (a Assembly) Valid() bool {
	return a == GRCh37 || a == GRCh38
}

const CodeInvalidPosition xerrors.Code = "GENOME_INVALID_POSITION"

func init() {
	xerrors.Register(CodeInvalidPosition, xerrors.Attributes{
		Message:  "invalid genome position",
		Severity: xerrors.SeverityInfo,
	})
}

// Position 是一段基因组区间，闭区间 [Start, End]。
type Position struct {
	Contig   string   `json:"contig" yaml:"contig"`
	Start    int64    `json:"start" yaml:"start"`
	End      int64    `json:"end" yaml:"end"`
	Strand   int      `json:"strand" yaml:"strand"`
	Assembly Assembly `json:"assembly" yaml:"assembly"`
}

// New 构造并校验 Position。
func New(contig string, start, end int64, strand int, assembly Assembly) (Position, error) {
	p := Position{Contig: normalizeContig(contig), Start: start, End: end, Strand: strand, Assembly: assembly}
	if err := p.Validate(); err != nil {
		return Position{}, err
	}
	return p, nil
}

// Validate 检查 start <= end、链方向与参考基因组。
func (p Position) Validate() error {
	switch {
	case p.Contig == "":
		return xerrors.New(CodeInvalidPosition, "contig 不能为空")
	case p.Start < 0:
		return xerrors.Newf(CodeInvalidPosition, "start 不能为负数: %d", p.Start)
	case p.Start > p.End:
		return xerrors.Newf(CodeInvalidPosition, "start(%d) 大于 end(%d)", p.Start, p.End)
	case p.Strand < -1 || p.Strand > 1:
		return xerrors.Newf(CodeInvalidPosition, "strand 只能为 -1/0/1: %d", p.Strand)
	case !p.Assembly.Valid():
		return xerrors.Newf(CodeInvalidPosition, "未知的参考基因组: %q", p.Assembly)
	}
	return nil
}

// Len 返回区间包含的碱基数。
func (p Position) Len() int64 {
	return p.End - p.Start + 1
}

// Overlaps 判断两个区间是否在同一参考基因组和 contig 上重叠。
func (p Position) Overlaps(other Position) bool {
	if p.Assembly != other.Assembly || p.Contig != other.Contig {
		return false
	}
	return p.Start <= other.End && other.Start <= p.End
}

func (p Position) String() string {
	return fmt.Sprintf("%s:%d-%d", p.Contig, p.Start, p.End)
}

var positionRE = regexp.MustCompile(`^(?:chr)?([0-9]{1,2}|[XYM]|MT):([0-9]+)(?:-([0-9]+))?$`)

// Parse 解析 "chr:start-end" 或 "chr:pos" 形式的坐标，链方向记为 0。
func Parse(s string, assembly Assembly) (Position, error) {
	m := positionRE.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Position{}, xerrors.Newf(CodeInvalidPosition, "无法解析坐标: %q", s)
	}
	start, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return Position{}, xerrors.Wrap(CodeInvalidPosition, err, "start 越界")
	}
	end := start
	if m[3] != "" {
		if end, err = strconv.ParseInt(m[3], 10, 64); err != nil {
			return Position{}, xerrors.Wrap(CodeInvalidPosition, err, "end 越界")
		}
	}
	return New(m[1], start, end, 0, assembly)
}

func normalizeContig(contig string) string {
	contig = strings.TrimSpace(contig)
	if len(contig) > 3 && strings.EqualFold(contig[:3], "chr") {
		contig = contig[3:]
	}
	if strings.EqualFold(contig, "MT") {
		return "M"
	}
	return strings.ToUpper(contig)
}
