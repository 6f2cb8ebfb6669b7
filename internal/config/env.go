package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/golobby/cast"
)

// applyEnv 遍历带 env 标签的字段，用同名环境变量覆盖文件中的值。
func applyEnv(target any) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("applyEnv 需要结构体指针，实际为 %T", target)
	}
	return applyEnvStruct(v.Elem())
}

func applyEnvStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		meta := t.Field(i)
		if !meta.IsExported() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := applyEnvStruct(field); err != nil {
				return err
			}
			continue
		}
		name := meta.Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := os.LookupEnv(name)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("环境变量 %s 无效: %w", name, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	if field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String {
		field.Set(reflect.ValueOf(cleanList([]string{raw})))
		return nil
	}
	converted, err := cast.FromType(strings.TrimSpace(raw), field.Type())
	if err != nil {
		return err
	}
	field.Set(reflect.ValueOf(converted))
	return nil
}
