package cv

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// LoadFile reads a JSON object mapping CV numbers to values, e.g.
//
//	{"10": 5, "27": 52, "37": 3}
func LoadFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cv file: %w", err)
	}
	return ParseJSON(data)
}

// ParseJSON decodes the LoadFile format.
func ParseJSON(data []byte) (Table, error) {
	var raw map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse cv file: %w", err)
	}
	t := make(Table, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(k)
		if err != nil || n < 1 || n > 1024 {
			return nil, fmt.Errorf("parse cv file: invalid cv number %q", k)
		}
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("parse cv file: cv%d value %d out of range", n, v)
		}
		t[CV(n)] = byte(v)
	}
	return t, nil
}
