package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"autolevel.ai/internal/persistence/indexdb"
	"autolevel.ai/internal/protocol"
	"autolevel.ai/internal/sim/monitor"
)

// openIndex returns nil when indexing is disabled by flag or by
// AUTOLEVEL_INDEX_BACKEND.
func openIndex(dataDir string, disableDB bool) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("AUTOLEVEL_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(dataDir, "index", "autolevel.sqlite"))
	default:
		return nil, fmt.Errorf("unsupported AUTOLEVEL_INDEX_BACKEND: %s", backend)
	}
}

// multiSink fans entity events out to every configured writer.
type multiSink []monitor.EventSink

func (m multiSink) Emit(ev protocol.EntityEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
