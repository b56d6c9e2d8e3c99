package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is fixture data for local development, loaded from YAML:
//
//	users:
//	  - {id: alice, email: alice@example.com, first_name: Alice}
//	friendships:
//	  - [alice, bob]
//	groups:
//	  - {id: g1, name: Hallway, members: [alice, bob]}
type Seed struct {
	Users       []User      `yaml:"users"`
	Friendships [][]string  `yaml:"friendships"`
	Groups      []SeedGroup `yaml:"groups"`
}

// SeedGroup is a group entry in a Seed.
type SeedGroup struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

// LoadSeed reads a Seed from a YAML file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a Seed from YAML bytes.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	for i, pair := range seed.Friendships {
		if len(pair) != 2 {
			return nil, fmt.Errorf("parse seed: friendship %d must list exactly two users", i)
		}
	}
	return &seed, nil
}

// Apply writes the seed into w.
func (s *Seed) Apply(ctx context.Context, w SeedWriter) error {
	for _, u := range s.Users {
		if err := w.AddUser(ctx, u); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	for _, pair := range s.Friendships {
		if err := w.AddFriendship(ctx, pair[0], pair[1]); err != nil {
			return fmt.Errorf("seed friendship %s-%s: %w", pair[0], pair[1], err)
		}
	}
	for _, g := range s.Groups {
		if err := w.AddGroup(ctx, g.ID, g.Name, g.Members); err != nil {
			return fmt.Errorf("seed group %s: %w", g.ID, err)
		}
	}
	return nil
}
