package experiment

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/leadflow/internal/model"
)

// LoadDefinition reads an experiment definition from a YAML file. The file
// has a top-level "experiment" key:
//
//	experiment:
//	  id: hook-length-q3
//	  hypothesis: Short hooks drive more comments
//	  metric: engagement_rate
//	  variants:
//	    - name: long
//	    - name: short
//	      features: [short_hook]
//	  baseline_rate: 0.04
//	  min_detectable_effect: 0.01
func LoadDefinition(path string) (*model.Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "experiment: read definition %s", path)
	}

	var wrapper struct {
		Experiment model.Experiment `yaml:"experiment"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "experiment: parse definition %s", path)
	}

	exp := &wrapper.Experiment
	if exp.ID == "" {
		exp.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return exp, nil
}

// LoadDefinitions reads every .yaml/.yml definition in dir, ordered by file
// name.
func LoadDefinitions(dir string) ([]*model.Experiment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "experiment: read definitions dir %s", dir)
	}
	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]*model.Experiment, 0, len(names))
	for _, n := range names {
		exp, err := LoadDefinition(filepath.Join(dir, n))
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, nil
}
