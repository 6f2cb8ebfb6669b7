package normalize

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	xerrors "i-vis/internal/errors"
)

// 规范标识符的格式。
var (
	GeneIDPattern   = regexp.MustCompile(`^HGNC:[0-9]+$`)
	DrugIDPattern   = regexp.MustCompile(`^CHEMBL[0-9]+$`)
	CancerIDPattern = regexp.MustCompile(`^DOID:[0-9]+$`)
)

// Dictionary 保存名称到规范标识符的映射。
type Dictionary struct {
	pattern *regexp.Regexp
	direct  map[string][]string
	folded  map[string][]string
	ids     map[string]struct{}
}

// NewDictionary 创建空词典，pattern 约束规范标识符的格式。
func NewDictionary(pattern *regexp.Regexp) *Dictionary {
	return &Dictionary{
		pattern: pattern,
		direct:  make(map[string][]string),
		folded:  make(map[string][]string),
		ids:     make(map[string]struct{}),
	}
}

// Add 登记一个名称，规范标识符本身也可作为名称查询。
func (d *Dictionary) Add(name, id string) error {
	id = strings.TrimSpace(id)
	if d.pattern != nil && !d.pattern.MatchString(id) {
		return xerrors.Newf(CodeInvalidIdentifier, "规范标识符 %q 格式不符合 %s", id, d.pattern)
	}
	d.ids[id] = struct{}{}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	d.direct[name] = appendUnique(d.direct[name], id)
	key := fold(name)
	d.folded[key] = appendUnique(d.folded[key], id)
	return nil
}

// Len 返回规范标识符数量。
func (d *Dictionary) Len() int { return len(d.ids) }

// IDs 返回排序后的全部规范标识符。
func (d *Dictionary) IDs() []string {
	out := make([]string, 0, len(d.ids))
	for id := range d.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Canonical 判断 id 是否为词典中已知的规范标识符。
func (d *Dictionary) Canonical(id string) bool {
	_, ok := d.ids[id]
	return ok
}

// Lookup 按匹配方式返回候选规范标识符。
func (d *Dictionary) Lookup(name string, mt MatchType) []string {
	switch mt {
	case MatchDirect:
		return d.direct[name]
	case MatchExact:
		return d.folded[fold(name)]
	}
	return nil
}

// LoadDictionary 读取制表符分隔的 name<TAB>id 文件，# 开头的行为注释，
// 首行若为 name<TAB>id 表头则跳过。
func LoadDictionary(r io.Reader, pattern *regexp.Regexp) (*Dictionary, error) {
	d := NewDictionary(pattern)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 2 {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "词典第 %d 行缺少标识符列", line)
		}
		if line == 1 && strings.EqualFold(fields[0], "name") && strings.EqualFold(fields[1], "id") {
			continue
		}
		if err := d.Add(fields[0], fields[1]); err != nil {
			return nil, fmt.Errorf("词典第 %d 行: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取词典失败")
	}
	return d, nil
}

// LoadDictionaryFile 从文件加载词典。
func LoadDictionaryFile(path string, pattern *regexp.Regexp) (*Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "打开词典文件失败", xerrors.WithMetadata("path", path))
	}
	defer f.Close()
	return LoadDictionary(f, pattern)
}

// DictionaryNormalizer 基于词典完成基因、药物与癌症类型的标准化。
type DictionaryNormalizer struct {
	kind       Kind
	dict       *Dictionary
	matchTypes []MatchType
	accept     func(id string) bool
}

// DictionaryOption 配置 DictionaryNormalizer。
type DictionaryOption func(*DictionaryNormalizer)

// WithMatchTypes 设置匹配方式及其优先顺序。
func WithMatchTypes(types ...MatchType) DictionaryOption {
	return func(n *DictionaryNormalizer) {
		if len(types) > 0 {
			n.matchTypes = types
		}
	}
}

// WithFilter 仅接受满足条件的规范标识符。
func WithFilter(accept func(id string) bool) DictionaryOption {
	return func(n *DictionaryNormalizer) {
		n.accept = accept
	}
}

// NewDictionaryNormalizer 创建基于词典的标准化器。
func NewDictionaryNormalizer(kind Kind, dict *Dictionary, opts ...DictionaryOption) *DictionaryNormalizer {
	n := &DictionaryNormalizer{
		kind:       kind,
		dict:       dict,
		matchTypes: []MatchType{MatchDirect, MatchExact},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// NewGeneNormalizer 返回映射到 HGNC 的标准化器。
func NewGeneNormalizer(dict *Dictionary, opts ...DictionaryOption) *DictionaryNormalizer {
	return NewDictionaryNormalizer(KindGene, dict, opts...)
}

// NewDrugNormalizer 返回映射到 ChEMBL 的标准化器。
func NewDrugNormalizer(dict *Dictionary, opts ...DictionaryOption) *DictionaryNormalizer {
	return NewDictionaryNormalizer(KindDrug, dict, opts...)
}

// NewCancerTypeNormalizer 返回映射到 DOID 的标准化器，只接受 tree 中 DOID:162 的子孙节点。
func NewCancerTypeNormalizer(dict *Dictionary, tree *Ontology, opts ...DictionaryOption) *DictionaryNormalizer {
	opts = append(opts, WithFilter(func(id string) bool {
		return tree.IsDescendant(id, CancerRoot)
	}))
	return NewDictionaryNormalizer(KindCancerType, dict, opts...)
}

// Kind 实现 Normalizer。
func (n *DictionaryNormalizer) Kind() Kind { return n.kind }

// Normalize 实现 Normalizer：规范标识符原样返回，否则按匹配方式顺序查找，
// 第一个命中的方式决定结果，多于一个候选时返回 ErrAmbiguous。
func (n *DictionaryNormalizer) Normalize(ctx context.Context, raw string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	value := strings.TrimSpace(raw)
	if value == "" {
		return Result{}, xerrors.Newf(CodeInvalidIdentifier, "%s 标识符为空", n.kind)
	}
	if n.dict.Canonical(value) && n.accepted(value) {
		return Result{Kind: n.kind, Raw: raw, Canonical: value, Match: MatchCanonical}, nil
	}
	for _, mt := range n.matchTypes {
		candidates := n.filter(n.dict.Lookup(value, mt))
		switch len(candidates) {
		case 0:
			continue
		case 1:
			return Result{Kind: n.kind, Raw: raw, Canonical: candidates[0], Match: mt}, nil
		default:
			return Result{}, xerrors.Wrap(CodeAmbiguous, ErrAmbiguous,
				fmt.Sprintf("%s %q 对应多个标识符: %s", n.kind, raw, strings.Join(candidates, ",")))
		}
	}
	return Result{}, notFound(n.kind, raw)
}

func (n *DictionaryNormalizer) accepted(id string) bool {
	return n.accept == nil || n.accept(id)
}

func (n *DictionaryNormalizer) filter(ids []string) []string {
	if n.accept == nil {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if n.accept(id) {
			out = append(out, id)
		}
	}
	return out
}

func fold(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}
