package transfer

import (
	"path/filepath"
	"strings"

	"github.com/floegence/lanshare/transporterr"
)

// SanitizeDestPath joins destDir and filename, rejecting anything that would
// place the result outside destDir.
//
// filename comes from the peer's FileRequestMsg and is never trusted as a
// path: an empty name, ".", "..", an absolute path, or any name containing a
// '/' or '\' separator is rejected, so a peer cannot walk up the directory
// tree with "../" segments or plant an absolute path.
func SanitizeDestPath(destDir, filename string) (string, error) {
	if filename == "" || filename == "." || filename == ".." || filepath.IsAbs(filename) || strings.ContainsAny(filename, `/\`) {
		return "", transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeInvalidInput, nil)
	}
	full := filepath.Join(destDir, filename)
	if !strings.HasPrefix(full, filepath.Clean(destDir)+string(filepath.Separator)) {
		return "", transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeInvalidInput, nil)
	}
	return full, nil
}
