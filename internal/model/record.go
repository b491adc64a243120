// Package model defines the versioned records and typed entities stored in
// the coordination store: cluster and instance configuration, ideal states,
// state model definitions, current states, messages and external views.
package model

import (
	"encoding/json"
	"strconv"
)

// Record is the unit of storage: a stable identifier plus three field maps,
// versioned by the coordination store.
type Record struct {
	ID           string                       `json:"id"`
	SimpleFields map[string]string            `json:"simpleFields"`
	ListFields   map[string][]string          `json:"listFields"`
	MapFields    map[string]map[string]string `json:"mapFields"`

	// Version is the store version observed at read time. -1 means unknown.
	Version int32 `json:"-"`
}

func NewRecord(id string) *Record {
	return &Record{
		ID:           id,
		SimpleFields: make(map[string]string),
		ListFields:   make(map[string][]string),
		MapFields:    make(map[string]map[string]string),
		Version:      -1,
	}
}

func (r *Record) GetSimpleField(key string) string {
	return r.SimpleFields[key]
}

func (r *Record) SetSimpleField(key, value string) {
	if r.SimpleFields == nil {
		r.SimpleFields = make(map[string]string)
	}
	r.SimpleFields[key] = value
}

func (r *Record) GetBoolField(key string, def bool) bool {
	v, ok := r.SimpleFields[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (r *Record) SetBoolField(key string, value bool) {
	r.SetSimpleField(key, strconv.FormatBool(value))
}

func (r *Record) GetIntField(key string, def int) int {
	v, ok := r.SimpleFields[key]
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func (r *Record) SetIntField(key string, value int) {
	r.SetSimpleField(key, strconv.Itoa(value))
}

func (r *Record) GetInt64Field(key string, def int64) int64 {
	v, ok := r.SimpleFields[key]
	if !ok {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

func (r *Record) SetInt64Field(key string, value int64) {
	r.SetSimpleField(key, strconv.FormatInt(value, 10))
}

func (r *Record) GetListField(key string) []string {
	return r.ListFields[key]
}

func (r *Record) SetListField(key string, values []string) {
	if r.ListFields == nil {
		r.ListFields = make(map[string][]string)
	}
	r.ListFields[key] = values
}

func (r *Record) GetMapField(key string) map[string]string {
	return r.MapFields[key]
}

func (r *Record) SetMapField(key string, values map[string]string) {
	if r.MapFields == nil {
		r.MapFields = make(map[string]map[string]string)
	}
	r.MapFields[key] = values
}

// Clone returns a deep copy. Snapshots hand out cloned records so pipeline
// stages can never mutate the cache.
func (r *Record) Clone() *Record {
	c := NewRecord(r.ID)
	c.Version = r.Version
	for k, v := range r.SimpleFields {
		c.SimpleFields[k] = v
	}
	for k, v := range r.ListFields {
		l := make([]string, len(v))
		copy(l, v)
		c.ListFields[k] = l
	}
	for k, v := range r.MapFields {
		m := make(map[string]string, len(v))
		for mk, mv := range v {
			m[mk] = mv
		}
		c.MapFields[k] = m
	}
	return c
}

// Marshal encodes the record as JSON for storage.
func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalRecord decodes a stored record. The caller stamps the version.
func UnmarshalRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.SimpleFields == nil {
		r.SimpleFields = make(map[string]string)
	}
	if r.ListFields == nil {
		r.ListFields = make(map[string][]string)
	}
	if r.MapFields == nil {
		r.MapFields = make(map[string]map[string]string)
	}
	r.Version = -1
	return &r, nil
}
