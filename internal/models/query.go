package models

import "github.com/maruel/ksid"

// LockQuery filters lock table queries. Zero fields match everything.
type LockQuery struct {
	BriefcaseID BriefcaseID `json:"briefcase_id,omitempty"`
	Keys        []LockKey   `json:"keys,omitempty"`
}

// CodeQuery filters code table queries. Zero fields match everything.
// When Keys is set, every named code is reported, synthesizing Available
// entries for codes never touched.
type CodeQuery struct {
	SpecID      ksid.ID     `json:"spec_id,omitempty"`
	Scope       string      `json:"scope,omitempty"`
	BriefcaseID BriefcaseID `json:"briefcase_id,omitempty"`
	Keys        []CodeKey   `json:"keys,omitempty"`
}
