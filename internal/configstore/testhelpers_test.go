package configstore

import (
	"os"

	"github.com/pelletier/go-toml/v2"
)

func readRawForTest(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := map[string]any{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func writeRawForTest(path string, raw map[string]any) error {
	data, err := toml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}
