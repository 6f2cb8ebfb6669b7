// Package normalize 将来源数据中的原始标识符映射为本体中的规范标识符：
// 基因 -> HGNC，药物 -> ChEMBL，癌症类型 -> Disease Ontology（DOID:162 子树），
// 变异 -> 类 HGVS 表达。已是规范形式的标识符原样返回。
package normalize

import (
	"context"
	"fmt"
	"sort"
	"strings"

	xerrors "i-vis/internal/errors"
)

// Kind 表示实体类型。
type Kind string

const (
	KindGene       Kind = "gene"
	KindDrug       Kind = "drug"
	KindCancerType Kind = "cancer_type"
	KindVariant    Kind = "variant"
)

// ParseKind 解析实体类型名称。
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindGene, KindDrug, KindCancerType, KindVariant:
		return k, nil
	case "cancer", "disease":
		return KindCancerType, nil
	}
	return "", xerrors.Newf(CodeUnknownKind, "未知的实体类型: %q", s)
}

// MatchType 描述词典匹配方式。
type MatchType string

const (
	// MatchCanonical 表示输入已经是规范标识符。
	MatchCanonical MatchType = "canonical"
	// MatchDirect 区分大小写的完全匹配。
	MatchDirect MatchType = "direct"
	// MatchExact 忽略大小写与首尾空白的匹配。
	MatchExact MatchType = "exact"
)

// ParseMatchTypes 解析配置中的匹配方式列表，保持顺序。
func ParseMatchTypes(values []string) ([]MatchType, error) {
	out := make([]MatchType, 0, len(values))
	for _, v := range values {
		switch mt := MatchType(strings.ToLower(strings.TrimSpace(v))); mt {
		case MatchDirect, MatchExact:
			out = append(out, mt)
		default:
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的匹配方式: %q", v)
		}
	}
	if len(out) == 0 {
		out = []MatchType{MatchDirect, MatchExact}
	}
	return out, nil
}

// Result 是一次标准化的结果。
type Result struct {
	Kind      Kind       `json:"kind"`
	Raw       string     `json:"raw"`
	Canonical string     `json:"canonical"`
	Match     MatchType  `json:"match"`
	Flags     ModifyFlag `json:"flags,omitempty"`
}

// Normalizer 负责单一实体类型的标准化。
type Normalizer interface {
	Kind() Kind
	Normalize(ctx context.Context, raw string) (Result, error)
}

const (
	CodeNotFound          xerrors.Code = "NORMALIZE_NOT_FOUND"
	CodeAmbiguous         xerrors.Code = "NORMALIZE_AMBIGUOUS"
	CodeInvalidIdentifier xerrors.Code = "NORMALIZE_INVALID_IDENTIFIER"
	CodeUnknownKind       xerrors.Code = "NORMALIZE_UNKNOWN_KIND"
)

var (
	// ErrNotFound 表示本体中不存在对应的规范标识符。
	ErrNotFound = xerrors.New(CodeNotFound, "canonical identifier not found")
	// ErrAmbiguous 表示名称对应多个规范标识符。
	ErrAmbiguous = xerrors.New(CodeAmbiguous, "identifier is ambiguous")
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{Message: "canonical identifier not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAmbiguous, xerrors.Attributes{Message: "identifier is ambiguous", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidIdentifier, xerrors.Attributes{Message: "invalid identifier", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeUnknownKind, xerrors.Attributes{Message: "unknown entity kind", Severity: xerrors.SeverityInfo})
}

func notFound(kind Kind, raw string) error {
	return xerrors.Wrap(CodeNotFound, ErrNotFound, fmt.Sprintf("%s %q 无对应规范标识符", kind, raw))
}

// Service 按实体类型分发标准化请求。
type Service struct {
	normalizers map[Kind]Normalizer
}

// NewService 以给定的标准化器构造 Service，同类型后者覆盖前者。
func NewService(normalizers ...Normalizer) *Service {
	s := &Service{normalizers: make(map[Kind]Normalizer, len(normalizers))}
	for _, n := range normalizers {
		if n != nil {
			s.normalizers[n.Kind()] = n
		}
	}
	return s
}

// Kinds 返回已配置的实体类型。
func (s *Service) Kinds() []Kind {
	kinds := make([]Kind, 0, len(s.normalizers))
	for k := range s.normalizers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// For 返回指定类型的标准化器。
func (s *Service) For(kind Kind) (Normalizer, error) {
	n, ok := s.normalizers[kind]
	if !ok {
		return nil, xerrors.Newf(CodeUnknownKind, "未配置 %s 的标准化词典", kind)
	}
	return n, nil
}

// Normalize 标准化一个原始标识符。
func (s *Service) Normalize(ctx context.Context, kind Kind, raw string) (Result, error) {
	n, err := s.For(kind)
	if err != nil {
		return Result{}, err
	}
	return n.Normalize(ctx, raw)
}
