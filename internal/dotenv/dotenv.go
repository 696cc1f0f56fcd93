package dotenv

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Load reads dotenv files into the process environment. Variables that are
// already set are never overridden, so earlier paths take precedence over
// later ones. Missing files are skipped.
func Load(paths ...string) error {
	for _, path := range paths {
		if err := LoadFile(path); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile loads one dotenv file. A missing file is a no-op.
func LoadFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file %q: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}
