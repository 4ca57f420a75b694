package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"gridbot-orchestrator/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中, 未设置的参数使用默认值
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	err = decoder.Decode(config)
	if err != nil {
		return nil, err
	}

	config.ApplyDefaults()
	return config, nil
}

// botsFile 机器人定义文件的顶层结构
type botsFile struct {
	Bots []models.BotDefinition `yaml:"bots"`
}

// LoadBots 读取并校验机器人定义文件
func LoadBots(path string) ([]models.BotDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBots(data)
}

// ParseBots decodes a bots document and validates every entry. The whole
// document is rejected when any entry is invalid.
func ParseBots(data []byte) ([]models.BotDefinition, error) {
	var doc botsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("解析机器人定义失败: %w", err)
	}

	seen := make(map[string]bool, len(doc.Bots))
	liveSymbols := make(map[string]string)
	for i, def := range doc.Bots {
		if def.ID == "" {
			return nil, fmt.Errorf("第 %d 个机器人缺少 id", i+1)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("机器人 id 重复: %s", def.ID)
		}
		seen[def.ID] = true

		switch def.Status {
		case "", models.BotRunning, models.BotStopped:
		default:
			return nil, fmt.Errorf("机器人 %s 状态无效: %q", def.ID, def.Status)
		}
		if err := def.Config.Validate(); err != nil {
			return nil, fmt.Errorf("机器人 %s: %w", def.ID, err)
		}
		if def.Config.Execution == models.ExecutionLive && def.Status != models.BotStopped {
			if owner, ok := liveSymbols[def.Config.Symbol]; ok {
				return nil, fmt.Errorf("机器人 %s 与 %s 在同一交易对 %s 上实盘运行", def.ID, owner, def.Config.Symbol)
			}
			liveSymbols[def.Config.Symbol] = def.ID
		}
	}
	return doc.Bots, nil
}
