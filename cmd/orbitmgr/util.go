package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/loykin/orbitmgr/internal/config"
)

// loadConfig reads the config file, or defaults plus environment when path
// is empty.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
