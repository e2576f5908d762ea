// Package asset loads local files that are shipped to instances through
// object storage, and publishes them.
//
// Assets are content addressed: the object key is the hex sha256 of the file
// contents plus the original extension, so publishing the same bytes twice is
// a no-op and changing the script changes every reference to it.
package asset

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultScriptName is the name reported for the embedded bootstrap script.
const DefaultScriptName = "configure.sh"

//go:embed scripts/configure.sh
var defaultScript []byte

var ErrEmpty = errors.New("asset is empty")

// Asset is a loaded local file.
type Asset struct {
	// Path is where the content was read from. The embedded default reports
	// DefaultScriptName.
	Path string

	// Hash is the hex encoded sha256 of Content.
	Hash string

	Content []byte
}

// Key returns the content addressed object key.
func (a *Asset) Key() string {
	return a.Hash + filepath.Ext(a.Path)
}

// Size returns the content length in bytes.
func (a *Asset) Size() int64 {
	return int64(len(a.Content))
}

// Load reads the asset at path. An empty path loads the embedded default
// bootstrap script.
func Load(path string) (*Asset, error) {
	if path == "" {
		return newAsset(DefaultScriptName, defaultScript)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading asset %s: %w", path, err)
	}
	return newAsset(path, content)
}

func newAsset(path string, content []byte) (*Asset, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, path)
	}
	sum := sha256.Sum256(content)
	return &Asset{
		Path:    path,
		Hash:    hex.EncodeToString(sum[:]),
		Content: content,
	}, nil
}
