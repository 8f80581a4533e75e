package qrunner

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/quatton/rvcsync/pkg/qerr"
	"github.com/quatton/rvcsync/pkg/qlog"
	"github.com/quatton/rvcsync/pkg/workspace"
)

// CheckArtifact fails fast before spawning when the required model file is
// absent, printing what the models directory does contain.
func CheckArtifact(dir, name string, log *qlog.Logger) error {
	p := filepath.Join(dir, name)
	fi, err := os.Stat(p)
	if err == nil && fi.Mode().IsRegular() {
		return nil
	}

	listing := workspace.Listing(dir)
	shown := "(empty)"
	if len(listing) > 0 {
		shown = strings.Join(listing, ", ")
	}
	log.Error("model artifact missing", "path", p, "contents", shown)

	return qerr.Newf(qerr.CodeValidation,
		"required model file %s not found; %s contains: %s. Upload %s under the model prefix and retry",
		p, dir, shown, name)
}
