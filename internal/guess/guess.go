// Package guess 为表格资源生成列映射草稿，供人工审阅后补全实体字段。
package guess

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"

	xerrors "i-vis/internal/errors"
)

// UnknownField 是尚未人工确认的字段占位符。
const UnknownField = "unknown"

const (
	CodeFileNotFound xerrors.Code = "GUESS_FILE_NOT_FOUND"
	CodeUnreadable   xerrors.Code = "GUESS_UNREADABLE"
)

func init() {
	xerrors.Register(CodeFileNotFound, xerrors.Attributes{Message: "resource file not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeUnreadable, xerrors.Attributes{Message: "resource file cannot be parsed", Severity: xerrors.SeverityInfo})
}

// Column 是单列的映射草稿。
type Column struct {
	Column     string `json:"column" yaml:"column"`
	Normalized string `json:"normalized" yaml:"normalized"`
	Field      string `json:"field" yaml:"field"`
}

// Mapping 描述一个资源文件的列映射。
type Mapping struct {
	File      string   `json:"file" yaml:"file"`
	Delimiter string   `json:"delimiter" yaml:"delimiter"`
	Columns   []Column `json:"columns" yaml:"columns"`
}

// Format 是映射的输出格式。
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat 解析输出格式，空值为 YAML。
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatYAML, "yml":
		return FormatYAML, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", xerrors.Newf(xerrors.CodeInvalidArgument, "不支持的输出格式: %q", s)
}

// MappingFile 读取文件表头并生成映射，.gz 文件会先解压。
func MappingFile(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, xerrors.Wrap(CodeFileNotFound, err, fmt.Sprintf("文件 %s 不存在", path))
		}
		return nil, xerrors.Wrap(CodeUnreadable, err, "打开文件失败")
	}
	defer f.Close()

	name := path
	var r io.Reader = f
	if strings.EqualFold(filepath.Ext(path), ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, xerrors.Wrap(CodeUnreadable, err, "解压文件失败")
		}
		defer gz.Close()
		r = gz
		name = strings.TrimSuffix(path, filepath.Ext(path))
	}

	m, err := MappingReader(r, delimiterFor(name))
	if err != nil {
		return nil, err
	}
	m.File = path
	return m, nil
}

// MappingReader 读取首个非注释行作为表头，delim 为 0 时自动探测。
func MappingReader(r io.Reader, delim rune) (*Mapping, error) {
	br := bufio.NewReader(r)
	var header string
	for {
		line, err := br.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(trimmed) != "" && !strings.HasPrefix(trimmed, "##") {
			header = strings.TrimPrefix(trimmed, "#")
			break
		}
		if err == io.EOF {
			return nil, xerrors.New(CodeUnreadable, "文件没有表头")
		}
		if err != nil {
			return nil, xerrors.Wrap(CodeUnreadable, err, "读取表头失败")
		}
	}
	if delim == 0 {
		delim = sniff(header)
	}

	cr := csv.NewReader(strings.NewReader(header))
	cr.Comma = delim
	cr.LazyQuotes = true
	fields, err := cr.Read()
	if err != nil {
		return nil, xerrors.Wrap(CodeUnreadable, err, "解析表头失败")
	}

	return &Mapping{Delimiter: string(delim), Columns: Columns(fields)}, nil
}

// Columns 为每列生成映射草稿，字段统一为 unknown。
func Columns(names []string) []Column {
	normalized := NormalizeNames(names)
	out := make([]Column, len(names))
	for i, name := range names {
		out[i] = Column{Column: name, Normalized: normalized[i], Field: UnknownField}
	}
	return out
}

// NormalizeNames 规范化列名：去除首尾空白、转小写、非字母数字替换为下划线，
// 空名称记为 column_<序号>，重复名称追加 _2、_3 等后缀。
func NormalizeNames(names []string) []string {
	out := make([]string, len(names))
	seen := make(map[string]int, len(names))
	for i, name := range names {
		n := NormalizeName(name)
		if n == "" {
			n = "column_" + strconv.Itoa(i+1)
		}
		base := n
		for seen[n] > 0 {
			seen[base]++
			n = base + "_" + strconv.Itoa(seen[base])
		}
		seen[n]++
		out[i] = n
	}
	return out
}

// NormalizeName 规范化单个列名。
func NormalizeName(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// Write 以指定格式输出映射。
func Write(w io.Writer, m *Mapping, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	default:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(m); err != nil {
			return err
		}
		return enc.Close()
	}
}

func delimiterFor(name string) rune {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return ','
	case ".tsv", ".tab":
		return '\t'
	}
	return 0
}

func sniff(header string) rune {
	best, count := '\t', strings.Count(header, "\t")
	for _, d := range []rune{',', ';', '|'} {
		if c := strings.Count(header, string(d)); c > count {
			best, count = d, c
		}
	}
	return best
}
