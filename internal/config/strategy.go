package config

import (
	"fmt"
	"os"

	"bustrack/internal/inference"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// StrategyFile 运营商策略文件
type StrategyFile struct {
	Operators []inference.OperatorStrategy `yaml:"operators" validate:"dive"`
}

// LoadOperators 读取运营商策略；path 为空时返回内置运营商
// 文件中的运营商覆盖同名内置运营商
func LoadOperators(path string) ([]inference.OperatorStrategy, error) {
	builtin := inference.BuiltinOperators()
	if path == "" {
		return builtin, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy file: %w", err)
	}
	return parseOperators(b, builtin)
}

func parseOperators(b []byte, builtin []inference.OperatorStrategy) ([]inference.OperatorStrategy, error) {
	var f StrategyFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse strategy file: %w", err)
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("invalid strategy file: %w", err)
	}

	// 后写入者生效：inference.NewRegistry 按顺序注册
	return append(builtin, f.Operators...), nil
}
