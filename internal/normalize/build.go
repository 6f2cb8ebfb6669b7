package normalize

import (
	"context"
	"time"

	"i-vis/internal/config"
	"i-vis/pkg/logger"
)

// NewCache 按配置创建缓存，driver 为 none 时不启用缓存。
func NewCache(ctx context.Context, cfg config.CacheConfig) (Cache, func() error, error) {
	switch cfg.Driver {
	case "none", "disabled":
		return nil, func() error { return nil }, nil
	case "redis":
		c, err := NewRedisCache(ctx, RedisCacheConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Key,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	default:
		return NewMemoryCache(), func() error { return nil }, nil
	}
}

// FromConfig 加载配置中列出的词典并组装 Service，未配置的实体类型会被跳过。
// 变异标准化依赖基因词典。
func FromConfig(cfg config.NormalizeConfig, cache Cache, ttl time.Duration) (*Service, error) {
	log := logger.Named("normalize")
	matchTypes, err := ParseMatchTypes(cfg.MatchTypes)
	if err != nil {
		return nil, err
	}
	opt := WithMatchTypes(matchTypes...)

	var normalizers []Normalizer
	var genes Normalizer
	if cfg.GeneDict != "" {
		dict, err := LoadDictionaryFile(cfg.GeneDict, GeneIDPattern)
		if err != nil {
			return nil, err
		}
		genes = WithCache(NewGeneNormalizer(dict, opt), cache, ttl)
		normalizers = append(normalizers, genes, WithCache(NewVariantNormalizer(genes), cache, ttl))
		log.Debug("基因词典已加载", "path", cfg.GeneDict, "ids", dict.Len())
	}
	if cfg.DrugDict != "" {
		dict, err := LoadDictionaryFile(cfg.DrugDict, DrugIDPattern)
		if err != nil {
			return nil, err
		}
		normalizers = append(normalizers, WithCache(NewDrugNormalizer(dict, opt), cache, ttl))
		log.Debug("药物词典已加载", "path", cfg.DrugDict, "ids", dict.Len())
	}
	if cfg.CancerDict != "" {
		dict, err := LoadDictionaryFile(cfg.CancerDict, CancerIDPattern)
		if err != nil {
			return nil, err
		}
		tree := NewOntology()
		if cfg.CancerTree != "" {
			if tree, err = LoadOntologyFile(cfg.CancerTree); err != nil {
				return nil, err
			}
		}
		normalizers = append(normalizers, WithCache(NewCancerTypeNormalizer(dict, tree, opt), cache, ttl))
		log.Debug("癌症类型词典已加载", "path", cfg.CancerDict, "ids", dict.Len())
	}
	return NewService(normalizers...), nil
}
