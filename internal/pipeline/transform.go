package pipeline

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	xerrors "i-vis/internal/errors"
	"i-vis/internal/genome"
	"i-vis/internal/normalize"
)

// ParseDelimiter 解析 csv、tsv、tab 或单个字符形式的分隔符。
func ParseDelimiter(s string) (rune, error) {
	switch strings.ToLower(s) {
	case "", "tsv", "tab", `\t`, "\t":
		return '\t', nil
	case "csv", ",":
		return ',', nil
	}
	r := []rune(s)
	if len(r) != 1 {
		return 0, xerrors.Newf(xerrors.CodeInvalidArgument, "无效的分隔符: %q", s)
	}
	return r[0], nil
}

// writeFile 先写入临时文件，成功后再原子替换目标文件。
func writeFile(out string, fn func(w io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	tmp := out + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := fn(bw); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, out)
}

func gunzipFile(in, out string) error {
	f, err := os.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%s 不是 gzip 文件: %w", filepath.Base(in), err)
	}
	defer zr.Close()
	return writeFile(out, func(w io.Writer) error {
		_, err := io.Copy(w, zr)
		return err
	})
}

func unzipMember(in, member, out string) error {
	zr, err := zip.OpenReader(in)
	if err != nil {
		return fmt.Errorf("%s 不是 zip 文件: %w", filepath.Base(in), err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != member && filepath.Base(f.Name) != member {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		return writeFile(out, func(w io.Writer) error {
			_, err := io.Copy(w, rc)
			return err
		})
	}
	return fmt.Errorf("%s 中不存在 %s", filepath.Base(in), member)
}

// rewriteTable 读取分隔文件，对每行调用 fn 后以 to 分隔写出。fn 返回 nil 表示丢弃该行。
func rewriteTable(in string, from rune, out string, to rune, header func([]string) ([]string, error), fn func([]string) ([]string, error)) error {
	f, err := os.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReader(f))
	reader.Comma = from
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	return writeFile(out, func(w io.Writer) error {
		writer := csv.NewWriter(w)
		writer.Comma = to
		first := true
		for {
			record, err := reader.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			if first {
				first = false
				if header != nil {
					if record, err = header(record); err != nil {
						return err
					}
				}
			} else if fn != nil {
				if record, err = fn(record); err != nil {
					return err
				}
				if record == nil {
					continue
				}
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
		writer.Flush()
		return writer.Error()
	})
}

func columnIndex(header []string, name string) (int, error) {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("缺少列 %q", name)
}

func convertDelimiter(in string, from rune, out string, to rune) error {
	return rewriteTable(in, from, out, to, nil, nil)
}

// buildDictionary 从两列生成 name<TAB>id 词典，跳过空值与重复对。
func buildDictionary(in string, delim rune, nameCol, idCol, out string) error {
	var nameIdx, idIdx int
	seen := make(map[[2]string]struct{})
	return rewriteTable(in, delim, out, '\t',
		func(h []string) ([]string, error) {
			var err error
			if nameIdx, err = columnIndex(h, nameCol); err != nil {
				return nil, err
			}
			if idIdx, err = columnIndex(h, idCol); err != nil {
				return nil, err
			}
			return []string{"name", "id"}, nil
		},
		func(rec []string) ([]string, error) {
			if nameIdx >= len(rec) || idIdx >= len(rec) {
				return nil, nil
			}
			pair := [2]string{strings.TrimSpace(rec[nameIdx]), strings.TrimSpace(rec[idIdx])}
			if pair[0] == "" || pair[1] == "" {
				return nil, nil
			}
			if _, dup := seen[pair]; dup {
				return nil, nil
			}
			seen[pair] = struct{}{}
			return pair[:], nil
		})
}

// Harmonization 描述 harmonize 任务把哪一列映射到哪种实体的规范标识符。
type Harmonization struct {
	Kind      normalize.Kind
	Column    string
	Target    string
	Delimiter rune
}

// Coverage 统计 harmonize 输出中 target 列已填和留空的行数。
func (h *Harmonization) Coverage(out string) (matched, missed int, err error) {
	var idx int
	err = readTable(out, h.Delimiter, func(header []string) error {
		idx, err = columnIndex(header, h.Target)
		return err
	}, func(rec []string) error {
		if idx < len(rec) && strings.TrimSpace(rec[idx]) != "" {
			matched++
		} else {
			missed++
		}
		return nil
	})
	return matched, missed, err
}

// readTable 逐行读取分隔文件，首行交给 header。
func readTable(in string, delim rune, header func([]string) error, fn func([]string) error) error {
	f, err := os.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()
	reader := csv.NewReader(bufio.NewReader(f))
	reader.Comma = delim
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	first := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if first {
			first = false
			if err := header(record); err != nil {
				return err
			}
			continue
		}
		if err := fn(record); err != nil {
			return err
		}
	}
}

// harmonizeColumn 为 column 列追加规范标识符列 target，未匹配的值留空。返回未匹配行数。
func harmonizeColumn(ctx context.Context, svc *normalize.Service, kind normalize.Kind, in string, delim rune, column, target, out string) (int, error) {
	if svc == nil {
		return 0, xerrors.New(CodeInvalid, "未配置标准化服务")
	}
	n, err := svc.For(kind)
	if err != nil {
		return 0, err
	}
	var idx, width, missed int
	err = rewriteTable(in, delim, out, delim,
		func(h []string) ([]string, error) {
			var err error
			if idx, err = columnIndex(h, column); err != nil {
				return nil, err
			}
			width = len(h)
			return append(h, target), nil
		},
		func(rec []string) ([]string, error) {
			canonical := ""
			if idx < len(rec) && strings.TrimSpace(rec[idx]) != "" {
				res, err := n.Normalize(ctx, rec[idx])
				switch {
				case err == nil:
					canonical = res.Canonical
				case xerrors.HasCode(err, normalize.CodeNotFound), xerrors.HasCode(err, normalize.CodeAmbiguous),
					xerrors.HasCode(err, normalize.CodeInvalidIdentifier), xerrors.HasCode(err, normalize.CodeUnknownDescType):
					missed++
				default:
					return nil, err
				}
			}
			// 短行补齐后规范标识符才会落在 target 列。
			for len(rec) < width {
				rec = append(rec, "")
			}
			return append(rec, canonical), nil
		})
	return missed, err
}

// PositionColumns 指定坐标所在的列。Position 非空时按 "chr:start-end" 解析该列，否则读取 Chrom、Start、End。
type PositionColumns struct {
	Position string
	Chrom    string
	Start    string
	End      string
}

// validatePositions 丢弃坐标不合法的行（strict 时直接失败），合法行的 contig 写回规范形式。返回丢弃的行数。
func validatePositions(in string, delim rune, cols PositionColumns, assembly genome.Assembly, strict bool, out string) (int, error) {
	var (
		posIdx, chromIdx, startIdx, endIdx = -1, -1, -1, -1
		dropped, line                      int
	)
	parse := func(rec []string) (genome.Position, error) {
		field := func(i int) string {
			if i < 0 || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		if posIdx >= 0 {
			return genome.Parse(field(posIdx), assembly)
		}
		start, err := strconv.ParseInt(field(startIdx), 10, 64)
		if err != nil {
			return genome.Position{}, xerrors.Wrap(genome.CodeInvalidPosition, err, "start 不是整数")
		}
		end := start
		if endIdx >= 0 {
			if end, err = strconv.ParseInt(field(endIdx), 10, 64); err != nil {
				return genome.Position{}, xerrors.Wrap(genome.CodeInvalidPosition, err, "end 不是整数")
			}
		}
		return genome.New(field(chromIdx), start, end, 0, assembly)
	}

	err := rewriteTable(in, delim, out, delim,
		func(h []string) ([]string, error) {
			var err error
			if cols.Position != "" {
				posIdx, err = columnIndex(h, cols.Position)
				return h, err
			}
			if chromIdx, err = columnIndex(h, cols.Chrom); err != nil {
				return nil, err
			}
			if startIdx, err = columnIndex(h, cols.Start); err != nil {
				return nil, err
			}
			if cols.End != "" {
				if endIdx, err = columnIndex(h, cols.End); err != nil {
					return nil, err
				}
			}
			return h, nil
		},
		func(rec []string) ([]string, error) {
			line++
			pos, err := parse(rec)
			if err != nil {
				if strict {
					return nil, xerrors.Wrap(genome.CodeInvalidPosition, err, fmt.Sprintf("第 %d 行坐标不合法", line))
				}
				dropped++
				return nil, nil
			}
			if chromIdx >= 0 && chromIdx < len(rec) {
				rec[chromIdx] = pos.Contig
			}
			return rec, nil
		})
	return dropped, err
}
