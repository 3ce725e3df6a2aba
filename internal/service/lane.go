package service

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/haatos/releaseci/internal/signing"
	"github.com/haatos/releaseci/internal/upload"
)

// Lane is a named release intent: which app and distribution to sign for,
// where the artifact goes, and optionally when to run on a schedule.
type Lane struct {
	Lane          string  `yaml:"lane"`
	AppIdentifier string  `yaml:"app_identifier"`
	Distribution  string  `yaml:"distribution"`
	Destination   string  `yaml:"destination"`
	Branch        string  `yaml:"branch"`
	SkipUpload    bool    `yaml:"skip_upload"`
	Schedule      *string `yaml:"schedule"`
}

type LaneFile struct {
	Lanes []Lane `yaml:"lanes"`
}

func LoadLanes(path string) (map[string]Lane, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseLanes(b)
}

func ParseLanes(b []byte) (map[string]Lane, error) {
	lf := new(LaneFile)
	if err := yaml.Unmarshal(b, lf); err != nil {
		return nil, err
	}

	lanes := make(map[string]Lane, len(lf.Lanes))
	for _, lane := range lf.Lanes {
		if lane.Lane == "" {
			return nil, fmt.Errorf("lane with empty name")
		}
		if _, ok := lanes[lane.Lane]; ok {
			return nil, fmt.Errorf("duplicate lane %q", lane.Lane)
		}
		if lane.AppIdentifier == "" {
			return nil, fmt.Errorf("lane %q: app_identifier is required", lane.Lane)
		}
		if !signing.ValidDistribution(signing.Distribution(lane.Distribution)) {
			return nil, fmt.Errorf("lane %q: invalid distribution %q", lane.Lane, lane.Distribution)
		}
		if !lane.SkipUpload && !upload.ValidDestination(upload.Destination(lane.Destination)) {
			return nil, fmt.Errorf("lane %q: invalid destination %q", lane.Lane, lane.Destination)
		}
		if lane.Branch == "" {
			lane.Branch = "main"
		}
		if lane.Schedule != nil {
			if err := validateSchedule(lane); err != nil {
				return nil, err
			}
		}
		lanes[lane.Lane] = lane
	}
	return lanes, nil
}

// validateSchedule refuses sub-hourly schedules for lanes that upload. The
// distribution target throttles aggressively; the trigger configuration is
// where that policy is enforced.
func validateSchedule(lane Lane) error {
	fields := strings.Fields(*lane.Schedule)
	if len(fields) < 5 {
		return fmt.Errorf("lane %q: invalid cron schedule %q", lane.Lane, *lane.Schedule)
	}
	if lane.SkipUpload {
		return nil
	}
	// Only a single literal minute keeps the lane at most hourly; steps,
	// wildcards, lists and ranges all fire more often.
	minute := fields[0]
	if strings.ContainsAny(minute, "*/,-") {
		return fmt.Errorf(
			"lane %q uploads and can not be scheduled more often than hourly (%q)",
			lane.Lane, *lane.Schedule,
		)
	}
	return nil
}
