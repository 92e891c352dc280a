// internal/config/avatars.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Corphon/OMNetCore/internal/models"
	"gopkg.in/yaml.v3"
)

// BuiltinAvatars 内置化身，配置文件缺失或损坏时使用
func BuiltinAvatars() map[string]models.AvatarConfig {
	avatars := map[string]models.AvatarConfig{
		"krix": {
			Name:         "Krix",
			Specialty:    "system operations and terminal assistance",
			Personality:  "expert, friendly and precise",
			ModelPrimary: "phi3:mini",
			InteractionStyle: models.InteractionStyle{
				EmojiUsage: "🧑‍💻", ExplanationStyle: "step-by-step", ResponseSpeed: "fast",
			},
		},
		"mushak": {
			Name:         "Mushak",
			Specialty:    "debugging and code analysis",
			Personality:  "curious, meticulous and patient",
			ModelPrimary: "codellama:7b",
			InteractionStyle: models.InteractionStyle{
				EmojiUsage: "🐭", ExplanationStyle: "technical", ResponseSpeed: "normal",
			},
		},
		"nandi": {
			Name:         "Nandi",
			Specialty:    "finance and resource planning",
			Personality:  "steady, trustworthy and calm",
			ModelPrimary: "llama2:7b",
			InteractionStyle: models.InteractionStyle{
				EmojiUsage: "🐂", ExplanationStyle: "clear", ResponseSpeed: "normal",
			},
		},
		"shera": {
			Name:         "Shera",
			Specialty:    "security and system protection",
			Personality:  "vigilant, direct and protective",
			ModelPrimary: "mistral:7b",
			InteractionStyle: models.InteractionStyle{
				EmojiUsage: "🐯", ExplanationStyle: "concise", ResponseSpeed: "fast",
			},
		},
		"bunni": {
			Name:         "Bunni",
			Specialty:    "writing and creative work",
			Personality:  "playful, warm and imaginative",
			ModelPrimary: "mistral:7b",
			InteractionStyle: models.InteractionStyle{
				EmojiUsage: "🐰", ExplanationStyle: "expressive", ResponseSpeed: "normal",
			},
		},
	}
	for key, cfg := range avatars {
		cfg.ApplyDefaults(key)
		avatars[key] = cfg
	}
	return avatars
}

// LoadAvatars 读取化身配置文件（JSON 或 YAML），补齐默认值并校验
func LoadAvatars(path string) (map[string]models.AvatarConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取化身配置失败: %w", err)
	}

	var file models.AvatarFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("解析化身配置失败 %s: %w", path, err)
	}
	if len(file.Avatars) == 0 {
		return nil, fmt.Errorf("化身配置为空: %s", path)
	}

	avatars := make(map[string]models.AvatarConfig, len(file.Avatars))
	for key, cfg := range file.Avatars {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("化身名称不能为空")
		}
		cfg.ApplyDefaults(key)
		avatars[key] = cfg
	}
	return avatars, nil
}
