package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const snapshotFile = "chain.json"

func writeSnapshot(profileDir string, tip header) error {
	path := filepath.Join(profileDir, snapshotFile)
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(tip)
}

// readSnapshot returns the last tip written, or ok=false when none exists.
func readSnapshot(profileDir string) (header, bool, error) {
	data, err := os.ReadFile(filepath.Join(profileDir, snapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		return header{}, false, nil
	}
	if err != nil {
		return header{}, false, err
	}
	var tip header
	if err := json.Unmarshal(data, &tip); err != nil {
		return header{}, false, err
	}
	return tip, true, nil
}
