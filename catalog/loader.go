package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/BaSui01/flowgate/workflow"
)

// Registrar receives the graphs built from definition files.
// *workflow.Engine satisfies it.
type Registrar interface {
	RegisterGraph(g *workflow.Graph) error
}

// IsDefinitionFile reports whether name looks like a graph definition
func IsDefinitionFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

// LoadFile builds the graph of one definition file and registers it
func LoadFile(reg Registrar, path string) (*workflow.Graph, error) {
	def, err := workflow.LoadDefinitionFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	g, err := def.Build()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := reg.RegisterGraph(g); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// definitionFiles lists the definition files of dir sorted by name
func definitionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read graph dir: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !IsDefinitionFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// LoadDir registers every definition file in dir and returns the IDs of the
// graphs that were registered. Failures of individual files are combined
// into the returned error.
func LoadDir(reg Registrar, dir string, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	files, err := definitionFiles(dir)
	if err != nil {
		return nil, err
	}

	var (
		ids  []string
		errs error
	)
	for _, path := range files {
		g, err := LoadFile(reg, path)
		if err != nil {
			logger.Warn("graph definition rejected", zap.String("path", path), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		ids = append(ids, g.ID())
	}

	logger.Info("graph definitions loaded",
		zap.String("dir", dir),
		zap.Int("files", len(files)),
		zap.Strings("graph_ids", ids))
	return ids, errs
}
