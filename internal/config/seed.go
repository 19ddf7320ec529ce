package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedJob is one bootstrap job definition from the seed file. Names
// are stable identifiers: re-seeding the same name updates the job
// instead of duplicating it.
type SeedJob struct {
	Name          string `yaml:"name"`
	Schedule      string `yaml:"schedule"`
	TargetURL     string `yaml:"target_url"`
	ExecutionType string `yaml:"execution_type"`
	Active        *bool  `yaml:"active"`
}

type seedFile struct {
	Jobs []SeedJob `yaml:"jobs"`
}

// LoadSeedJobs parses the optional seed-jobs YAML file.
func LoadSeedJobs(path string) ([]SeedJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed jobs file: %w", err)
	}

	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse seed jobs file: %w", err)
	}

	for i, job := range file.Jobs {
		if job.Name == "" {
			return nil, fmt.Errorf("seed job %d has no name", i)
		}
		if job.Schedule == "" || job.TargetURL == "" {
			return nil, fmt.Errorf("seed job %q needs both schedule and target_url", job.Name)
		}
	}
	return file.Jobs, nil
}
