package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"crowdmaster.ai/internal/persistence/indexdb"
)

func openRuntimeIndex(dataDir string, disableDB bool) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("CM_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(dataDir, "index", "crowd.sqlite"))
	default:
		return nil, fmt.Errorf("unsupported CM_INDEX_BACKEND: %s", backend)
	}
}
