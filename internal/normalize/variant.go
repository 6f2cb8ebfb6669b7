package normalize

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	xerrors "i-vis/internal/errors"
)

// 变异表达的长度上限，整体长度额外计入分隔符 ":"。
const (
	VariantRefLen  = 30
	VariantDescLen = 100
	VariantLen     = VariantRefLen + VariantDescLen + 1
)

// ModifyFlag 记录标准化过程中对变异表达的改写。
type ModifyFlag int

const (
	GuessedDescType ModifyFlag = 1 << iota
	AA1ToAA3
	MapRefToHGNC
)

// Has 判断是否包含指定标志。
func (f ModifyFlag) Has(flag ModifyFlag) bool { return f&flag != 0 }

// CodeUnknownDescType 表示无法推断描述类型。
const CodeUnknownDescType xerrors.Code = "NORMALIZE_UNKNOWN_DESC_TYPE"

func init() {
	xerrors.Register(CodeUnknownDescType, xerrors.Attributes{Message: "unknown variant description type", Severity: xerrors.SeverityInfo})
}

var (
	hgvsLike      = regexp.MustCompile(`^([^:]+):([^:]+)$`)
	hgncRefPrefix = regexp.MustCompile(`^(HGNC:[0-9]+):([^:]+)$`)
	descType      = regexp.MustCompile(`^(?:([cgmnopr])\.)?(.+)$`)
	aminoChange   = regexp.MustCompile(`^(\D{1,3})(\d+)(\D{1,3})$`)
	aa1Change     = regexp.MustCompile(`^([A-Z*]?)([0-9]+)([A-Z*]?)$`)
	accessionRef  = regexp.MustCompile(`^(N[CGMPR]_|X[MP]_|ENS[GTP])[0-9]+(\.[0-9]+)?$`)
)

var aa1ToAA3 = map[byte]string{
	'A': "Ala", 'B': "Asx", 'C': "Cys", 'D': "Asp", 'E': "Glu", 'F': "Phe",
	'G': "Gly", 'H': "His", 'I': "Ile", 'K': "Lys", 'L': "Leu", 'M': "Met",
	'N': "Asn", 'O': "Pyl", 'P': "Pro", 'Q': "Gln", 'R': "Arg", 'S': "Ser",
	'T': "Thr", 'U': "Sec", 'V': "Val", 'W': "Trp", 'X': "Xaa", 'Y': "Tyr",
	'Z': "Glx", '*': "Ter",
}

// VariantNormalizer 将 "参考:描述" 形式的变异转换为 HGNC:<n>:<类型>.<描述>。
// 参考为基因名时借助基因标准化器映射到 HGNC，转录本等登录号保持不变。
type VariantNormalizer struct {
	genes Normalizer
}

// NewVariantNormalizer 创建变异标准化器。
func NewVariantNormalizer(genes Normalizer) *VariantNormalizer {
	return &VariantNormalizer{genes: genes}
}

// Kind 实现 Normalizer。
func (n *VariantNormalizer) Kind() Kind { return KindVariant }

// Normalize 实现 Normalizer。
func (n *VariantNormalizer) Normalize(ctx context.Context, raw string) (Result, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return Result{}, xerrors.New(CodeInvalidIdentifier, "变异为空")
	}
	if len(value) > VariantLen {
		return Result{}, xerrors.Newf(CodeInvalidIdentifier, "变异长度超过 %d", VariantLen)
	}

	ref, desc, ok := splitVariant(value)
	if !ok {
		return Result{}, xerrors.Newf(CodeInvalidIdentifier, "变异 %q 不是 参考:描述 形式", raw)
	}
	if len(ref) > VariantRefLen {
		return Result{}, xerrors.Newf(CodeInvalidIdentifier, "变异参考长度超过 %d", VariantRefLen)
	}
	if len(desc) > VariantDescLen {
		return Result{}, xerrors.Newf(CodeInvalidIdentifier, "变异描述长度超过 %d", VariantDescLen)
	}

	var flags ModifyFlag
	canonicalRef, refFlags, err := n.mapRef(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	flags |= refFlags

	typ, body, descFlags, err := harmonizeDesc(desc)
	if err != nil {
		return Result{}, xerrors.Wrap(xerrors.CodeOf(err), err, fmt.Sprintf("变异 %q", raw))
	}
	flags |= descFlags

	match := MatchDirect
	canonical := fmt.Sprintf("%s:%s.%s", canonicalRef, typ, body)
	if canonical == value {
		match = MatchCanonical
	}
	return Result{Kind: KindVariant, Raw: raw, Canonical: canonical, Match: match, Flags: flags}, nil
}

func (n *VariantNormalizer) mapRef(ctx context.Context, ref string) (string, ModifyFlag, error) {
	if accessionRef.MatchString(ref) {
		return ref, 0, nil
	}
	if n.genes == nil {
		return "", 0, xerrors.New(CodeUnknownKind, "未配置基因标准化器")
	}
	res, err := n.genes.Normalize(ctx, ref)
	if err != nil {
		return "", 0, err
	}
	if res.Match == MatchCanonical {
		return res.Canonical, 0, nil
	}
	return res.Canonical, MapRefToHGNC, nil
}

func splitVariant(value string) (ref, desc string, ok bool) {
	if m := hgncRefPrefix.FindStringSubmatch(value); m != nil {
		return m[1], m[2], true
	}
	if m := hgvsLike.FindStringSubmatch(value); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), m[1] != "" && m[2] != ""
	}
	return "", "", false
}

// harmonizeDesc 返回描述类型、描述正文以及改写标志。
func harmonizeDesc(desc string) (string, string, ModifyFlag, error) {
	m := descType.FindStringSubmatch(desc)
	if m == nil {
		return "", "", 0, xerrors.Newf(CodeUnknownDescType, "无法解析描述 %q", desc)
	}
	typ, body := m[1], m[2]
	var flags ModifyFlag
	if typ == "" {
		if !aminoChange.MatchString(body) {
			return "", "", 0, xerrors.Newf(CodeUnknownDescType, "无法推断描述 %q 的类型", desc)
		}
		typ = "p"
		flags |= GuessedDescType
	}
	if typ == "p" {
		if converted, ok := convertAA1(body); ok {
			body = converted
			flags |= AA1ToAA3
		}
	}
	return typ, body, flags, nil
}

// convertAA1 将单字母氨基酸改写为三字母形式，例如 V600E -> Val600Glu。
func convertAA1(body string) (string, bool) {
	m := aa1Change.FindStringSubmatch(body)
	if m == nil || (m[1] == "" && m[3] == "") {
		return body, false
	}
	var b strings.Builder
	for i, part := range []string{m[1], m[2], m[3]} {
		if i == 1 || part == "" {
			b.WriteString(part)
			continue
		}
		aa3, ok := aa1ToAA3[part[0]]
		if !ok {
			return body, false
		}
		b.WriteString(aa3)
	}
	return b.String(), true
}
