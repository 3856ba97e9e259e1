// Copyright 2025 James Ross
// Package pathparser compiles the configurable destination pattern and
// derives a Destination and table prefix from an object id, per spec
// section 4.1.
package pathparser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/flyingrobots/go-redis-work-queue/internal/ingesterr"
)

// DefaultPattern is the default destination regex from spec section 4.1.
const DefaultPattern = `^(?P<dataset>[^/]+)/(?P<table>[^/]+)/?(?P<partition>\$[0-9]+)?/?((?P<yyyy>\d{4})/?(?P<mm>\d{2})?/?(?P<dd>\d{2})?/?(?P<hh>\d{2})?/?)?(?P<batch>[^/]+)?/`

// Destination is the parsed (dataset, table, optional partition, optional
// batch) tuple derived from an object id.
type Destination struct {
	Dataset   string
	Table     string
	Partition string // may be empty
	Batch     string // may be empty
}

// Parser matches object ids against a compiled destination pattern.
type Parser struct {
	re          *regexp.Regexp
	tableEnd    int // never set or read; tableIdx holds the "table" subexpression index
	datasetIdx  int
	tableIdx    int
	partIdx     int
	yyyyIdx     int
	mmIdx       int
	ddIdx       int
	hhIdx       int
	batchIdx    int
}

// New compiles pattern (or DefaultPattern if empty) and validates that it
// captures dataset and table groups.
func New(pattern string) (*Parser, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile destination pattern: %w", err)
	}
	names := re.SubexpNames()
	p := &Parser{re: re, datasetIdx: -1, tableIdx: -1, partIdx: -1, yyyyIdx: -1, mmIdx: -1, ddIdx: -1, hhIdx: -1, batchIdx: -1}
	for i, n := range names {
		switch n {
		case "dataset":
			p.datasetIdx = i
		case "table":
			p.tableIdx = i
		case "partition":
			p.partIdx = i
		case "yyyy":
			p.yyyyIdx = i
		case "mm":
			p.mmIdx = i
		case "dd":
			p.ddIdx = i
		case "hh":
			p.hhIdx = i
		case "batch":
			p.batchIdx = i
		}
	}
	if p.datasetIdx < 0 || p.tableIdx < 0 {
		return nil, fmt.Errorf("destination pattern must capture dataset and table groups")
	}
	return p, nil
}

// Parse derives a Destination from objectID. Fails with BadDestination if
// the dataset/table groups are not captured.
func (p *Parser) Parse(objectID string) (Destination, error) {
	m := p.re.FindStringSubmatchIndex(objectID)
	if m == nil {
		return Destination{}, ingesterr.New(ingesterr.KindBadDestination, fmt.Sprintf("object id %q does not match destination pattern", objectID))
	}
	dataset := p.group(objectID, m, p.datasetIdx)
	table := p.group(objectID, m, p.tableIdx)
	if dataset == "" || table == "" {
		return Destination{}, ingesterr.New(ingesterr.KindBadDestination, fmt.Sprintf("object id %q missing dataset/table capture", objectID))
	}

	partition := p.group(objectID, m, p.partIdx)
	if partition == "" {
		yyyy := p.group(objectID, m, p.yyyyIdx)
		mm := p.group(objectID, m, p.mmIdx)
		dd := p.group(objectID, m, p.ddIdx)
		hh := p.group(objectID, m, p.hhIdx)
		partition = composeTimePartition(yyyy, mm, dd, hh)
	}

	batch := p.group(objectID, m, p.batchIdx)

	return Destination{Dataset: dataset, Table: table, Partition: partition, Batch: batch}, nil
}

// TablePrefix returns the slice of objectID up to the end of the table
// capture. Fails with BadDestination on no match.
func (p *Parser) TablePrefix(objectID string) (string, error) {
	m := p.re.FindStringSubmatchIndex(objectID)
	if m == nil || p.tableIdx*2+1 >= len(m) {
		return "", ingesterr.New(ingesterr.KindBadDestination, fmt.Sprintf("object id %q does not match destination pattern", objectID))
	}
	end := m[p.tableIdx*2+1]
	if end < 0 {
		return "", ingesterr.New(ingesterr.KindBadDestination, fmt.Sprintf("object id %q missing table capture", objectID))
	}
	return objectID[:end], nil
}

func (p *Parser) group(s string, m []int, idx int) string {
	if idx < 0 || idx*2+1 >= len(m) {
		return ""
	}
	start, end := m[idx*2], m[idx*2+1]
	if start < 0 || end < 0 {
		return ""
	}
	return s[start:end]
}

// composeTimePartition builds "$YYYYMMDDHH" from whichever components are
// present, omitting components right-to-left. Explicit $<digits> always
// wins over this and is handled by the caller before falling back here.
func composeTimePartition(yyyy, mm, dd, hh string) string {
	if yyyy == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("$")
	b.WriteString(yyyy)
	if mm == "" {
		return b.String()
	}
	b.WriteString(mm)
	if dd == "" {
		return b.String()
	}
	b.WriteString(dd)
	if hh == "" {
		return b.String()
	}
	b.WriteString(hh)
	return b.String()
}
