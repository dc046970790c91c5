package utils

import (
	"discord-automod/model"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ruleSetPath returns the file path of a guild's saved rule set.
func ruleSetPath(dir, guildID string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.json", guildID))
}

// LoadRuleSetFile reads one rule set file. YAML and JSON are both accepted.
func LoadRuleSetFile(path string) (model.GuildRuleSet, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return model.GuildRuleSet{}, fmt.Errorf("error reading rule set file %s: %w", path, err)
	}
	var rs model.GuildRuleSet
	if err := v.Unmarshal(&rs, viper.DecodeHook(DecodeHook())); err != nil {
		return model.GuildRuleSet{}, fmt.Errorf("error decoding rule set from %s: %w", path, err)
	}
	return rs, nil
}

// LoadRuleSets loads every rule set file in dir, keyed by guild ID. The guild
// ID comes from the file content, or from the file name when absent. A file
// that cannot be read is reported and skipped.
func LoadRuleSets(dir string) (map[string]model.GuildRuleSet, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]model.GuildRuleSet{}, nil
		}
		return nil, []error{fmt.Errorf("error reading rule set directory %s: %w", dir, err)}
	}

	sets := make(map[string]model.GuildRuleSet)
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		rs, err := LoadRuleSetFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rs.GuildID == "" {
			rs.GuildID = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		sets[rs.GuildID] = rs
	}
	return sets, errs
}

// SaveRuleSet saves the rule set of a guild as JSON.
func SaveRuleSet(dir string, rs model.GuildRuleSet) error {
	if rs.GuildID == "" {
		return fmt.Errorf("rule set has no guild id")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating directory %s: %w", dir, err)
	}

	jsonData, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshalling rule set to JSON: %w", err)
	}

	filePath := ruleSetPath(dir, rs.GuildID)
	if err := os.WriteFile(filePath, jsonData, 0644); err != nil {
		return fmt.Errorf("error writing rule set to file %s: %w", filePath, err)
	}
	return nil
}
