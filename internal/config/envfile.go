package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// SetupKeys are the variables editable from the setup page, in display order.
var SetupKeys = []string{
	"OPENAI_API_KEY",
	"RESPONSES_MODEL",
	"RESPONSES_INSTRUCTIONS",
	"ENABLED_TOOLS",
	"VECTOR_STORE_ID",
	"SHOW_TOOL_CALL_DETAIL",
}

// ReadEnvFile returns the variables in path. A missing file is empty.
func ReadEnvFile(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return env, nil
}

// UpdateEnvFile merges updates into path, creating it if needed, and sets
// them in the process environment so a reload sees them. Line breaks in
// values are dropped.
func UpdateEnvFile(path string, updates map[string]string) error {
	env, err := ReadEnvFile(path)
	if err != nil {
		return err
	}
	for k, v := range updates {
		v = strings.NewReplacer("\r", "", "\n", "").Replace(v)
		env[k] = v
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
