package schema

import (
	"sort"
	"sync"

	"github.com/ValentinKolb/dDoc/lib/dberr"
)

// maxNameLength bounds collection, view and database names
const maxNameLength = 128

// Schema is the registry of the collections and views of one database.
//
// A schema is filled before the database is opened. Opening freezes it;
// later definitions fail with an invalid operation error.
type Schema struct {
	name        string
	mu          sync.RWMutex
	frozen      bool
	collections map[string]*Collection
	views       map[string]*View
}

// New creates an empty schema for the database with the given name
func New(name string) *Schema {
	return &Schema{
		name:        name,
		collections: make(map[string]*Collection),
		views:       make(map[string]*View),
	}
}

// Name returns the database name
func (s *Schema) Name() string {
	return s.name
}

// ValidateName checks that name can be used for a database, collection or view
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLength {
		return dberr.Newf(dberr.CodeInvalidOperation, "invalid name %q: must have 1 to %d characters", name, maxNameLength)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return dberr.Newf(dberr.CodeInvalidOperation, "invalid name %q: character %q not allowed", name, r)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Registration
// --------------------------------------------------------------------------

// DefineCollection registers a collection
func (s *Schema) DefineCollection(name string) (*Collection, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return nil, dberr.Newf(dberr.CodeInvalidOperation, "schema %s is frozen", s.name)
	}
	if _, ok := s.collections[name]; ok {
		return nil, dberr.Newf(dberr.CodeInvalidOperation, "collection %s already defined", name)
	}
	c := &Collection{Name: name}
	s.collections[name] = c
	return c, nil
}

// DefineView registers a view. Its collection must be defined first.
func (s *Schema) DefineView(v View) error {
	if err := ValidateName(v.Name); err != nil {
		return err
	}
	if v.Map == nil {
		return dberr.Newf(dberr.CodeInvalidOperation, "view %s has no map function", v.Name)
	}
	if v.Policy != PolicyEager && v.Policy != PolicyEventual {
		return dberr.Newf(dberr.CodeInvalidOperation, "view %s has an unknown policy %d", v.Name, v.Policy)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return dberr.Newf(dberr.CodeInvalidOperation, "schema %s is frozen", s.name)
	}
	if _, ok := s.collections[v.Collection]; !ok {
		return dberr.Newf(dberr.CodeNotFound, "view %s references unknown collection %q", v.Name, v.Collection)
	}
	if _, ok := s.views[v.Name]; ok {
		return dberr.Newf(dberr.CodeInvalidOperation, "view %s already defined", v.Name)
	}
	view := v
	s.views[v.Name] = &view
	return nil
}

// Validate checks the registry as a whole
func (s *Schema) Validate() error {
	if err := ValidateName(s.name); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.collections) == 0 {
		return dberr.Newf(dberr.CodeInvalidOperation, "schema %s defines no collections", s.name)
	}
	for _, v := range s.views {
		if _, ok := s.collections[v.Collection]; !ok {
			return dberr.Newf(dberr.CodeNotFound, "view %s references unknown collection %q", v.Name, v.Collection)
		}
	}
	return nil
}

// Freeze rejects further definitions
func (s *Schema) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// --------------------------------------------------------------------------
// Lookups
// --------------------------------------------------------------------------

// Collection looks up a collection by name
func (s *Schema) Collection(name string) (*Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	return c, ok
}

// View looks up a view by name
func (s *Schema) View(name string) (*View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[name]
	return v, ok
}

// Collections returns all collections sorted by name
func (s *Schema) Collections() []*Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Collection, 0, len(s.collections))
	for _, c := range s.collections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Views returns all views sorted by name
func (s *Schema) Views() []*View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*View, 0, len(s.views))
	for _, v := range s.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ViewsFor returns the views over the given collection sorted by name
func (s *Schema) ViewsFor(collection string) []*View {
	var out []*View
	for _, v := range s.Views() {
		if v.Collection == collection {
			out = append(out, v)
		}
	}
	return out
}
