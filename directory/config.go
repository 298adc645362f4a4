package directory

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadAuthorities reads a JSON array of directory authorities from path,
// the static table this client dials instead of bootstrapping from a
// fetched consensus.
func LoadAuthorities(path string) ([]Authority, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authority file %s: %w", path, err)
	}

	var raw []rawAuthority
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse authority file %s: %w", path, err)
	}

	authorities := make([]Authority, 0, len(raw))
	for _, r := range raw {
		a, err := r.decode()
		if err != nil {
			return nil, err
		}
		authorities = append(authorities, a)
	}
	return authorities, nil
}
