// Package migrate implements the versioned schema-migration engine: ordered
// discovery of migration units, checksum drift detection, sequential apply
// and revert against the version store through the data access adapter.
package migrate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/findertool/deployctl"
)

// Unit is one immutable versioned schema/data transformation step.
// Units are created by discovery and never mutated afterwards.
type Unit struct {
	// Version is the monotonic ordinal parsed from the filename.
	Version int64

	// Name is the descriptive part of the filename.
	Name string

	// Checksum is the hex SHA-256 of the forward script.
	Checksum string

	// Up is the forward SQL script.
	Up string

	// Down is the backward SQL script; empty when the unit is irreversible.
	Down string
}

var (
	fileRegex = regexp.MustCompile(`^(\d+)_([a-zA-Z][a-zA-Z0-9_]*)\.(up|down)\.sql$`)
	nameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
)

// Discover scans a migration source for *.up.sql / *.down.sql files and
// returns units sorted by version ascending. Two files claiming the same
// version make the ordering ambiguous and are a fatal discovery error.
func Discover(source fs.FS) ([]Unit, error) {
	entries, err := fs.ReadDir(source, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migration source: %w", err)
	}

	units := make(map[int64]*Unit)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		m := fileRegex.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}

		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid version in %s: %w", entry.Name(), err)
		}
		name, direction := m[2], m[3]

		content, err := fs.ReadFile(source, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}

		unit, ok := units[version]
		if !ok {
			unit = &Unit{Version: version, Name: name}
			units[version] = unit
		} else if unit.Name != name {
			return nil, fmt.Errorf("%w: version %d claimed by both %q and %q",
				deployctl.ErrDuplicateVersion, version, unit.Name, name)
		}

		switch direction {
		case "up":
			if unit.Up != "" {
				return nil, fmt.Errorf("%w: version %d has two forward scripts",
					deployctl.ErrDuplicateVersion, version)
			}
			unit.Up = string(content)
		case "down":
			if unit.Down != "" {
				return nil, fmt.Errorf("%w: version %d has two backward scripts",
					deployctl.ErrDuplicateVersion, version)
			}
			unit.Down = string(content)
		}
	}

	out := make([]Unit, 0, len(units))
	for _, unit := range units {
		if unit.Up == "" {
			return nil, fmt.Errorf("migration %d_%s has a down script but no up script", unit.Version, unit.Name)
		}
		sum := sha256.Sum256([]byte(unit.Up))
		unit.Checksum = hex.EncodeToString(sum[:])
		out = append(out, *unit)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Create writes a skeleton up/down migration pair into dir, versioned by the
// current timestamp. Returns the two file paths.
func Create(dir, name string) (string, string, error) {
	if !nameRegex.MatchString(name) {
		return "", "", fmt.Errorf("migration name must start with a letter and contain only letters, numbers, and underscores (got: %s)", name)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create migration directory: %w", err)
	}

	version := time.Now().UTC().Format("20060102150405")
	upPath := filepath.Join(dir, fmt.Sprintf("%s_%s.up.sql", version, name))
	downPath := filepath.Join(dir, fmt.Sprintf("%s_%s.down.sql", version, name))

	up := fmt.Sprintf("-- Migration: %s\n-- Forward\n", name)
	down := fmt.Sprintf("-- Migration: %s\n-- Backward\n", name)

	if err := os.WriteFile(upPath, []byte(up), 0o600); err != nil {
		return "", "", fmt.Errorf("failed to write migration file: %w", err)
	}
	if err := os.WriteFile(downPath, []byte(down), 0o600); err != nil {
		return "", "", fmt.Errorf("failed to write migration file: %w", err)
	}

	return upPath, downPath, nil
}
