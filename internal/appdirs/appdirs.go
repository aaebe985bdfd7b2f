package appdirs

import (
	"os"
	"path/filepath"
)

const appDirName = "clipstudio"

func DataDir() (string, error) {
	if override := os.Getenv("CLIPSTUDIO_DATA_DIR"); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDirName), nil
}

func StateDir(dataDir string) string {
	return filepath.Join(dataDir, "state")
}
