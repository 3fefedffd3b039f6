package extract

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// SheetAlias maps a keyword found in a sheet name to the key the sheet's rows are stored under.
type SheetAlias struct {
	Keyword string `yaml:"keyword"`
	Alias   string `yaml:"alias"`
}

// AliasMap is evaluated in order; a later keyword mapping to the same alias overwrites an earlier one.
type AliasMap []SheetAlias

var DefaultAliases = AliasMap{
	{Keyword: "分时段数据", Alias: "分时段表现"},
	{Keyword: "商品-gmv max", Alias: "商品GMV明细"},
	{Keyword: "素材-gmv max", Alias: "素材GMV明细"},
}

type aliasFile struct {
	Sheets []SheetAlias `yaml:"sheets"`
}

// LoadAliases reads an alias configuration of the form:
//
//	sheets:
//	  - keyword: 分时段数据
//	    alias: 分时段表现
func LoadAliases(path string) (AliasMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading sheet alias file %s: %w", path, err)
	}

	var file aliasFile
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("error parsing sheet alias file %s: %w", path, err)
	}

	aliases := AliasMap(file.Sheets)
	if err := aliases.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sheet alias file %s: %w", path, err)
	}
	return aliases, nil
}

func (m AliasMap) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("at least one sheet alias is required")
	}
	for i, a := range m {
		if strings.TrimSpace(a.Keyword) == "" {
			return fmt.Errorf("sheet alias %d has an empty keyword", i)
		}
		if a.Alias == "" {
			return fmt.Errorf("sheet alias %d (%q) has an empty alias", i, a.Keyword)
		}
	}
	return nil
}

func (m AliasMap) Keywords() []string {
	keywords := make([]string, 0, len(m))
	for _, a := range m {
		keywords = append(keywords, a.Keyword)
	}
	return keywords
}
