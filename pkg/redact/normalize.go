// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import (
	"regexp"
	"strings"
)

var (
	singleQuotedStr = regexp.MustCompile(`'[^']*'`)
	doubleQuotedStr = regexp.MustCompile(`"[^"]*"`)
	numericLiteral  = regexp.MustCompile(`\b-?\d+(?:\.\d+)?\b`)
	hexLiteral      = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`)
	// Only lists after IN collapse; VALUES keeps its arity.
	inList = regexp.MustCompile(`(?i)\bIN\s*\([^)]+\)`)
	// A Postgres placeholder stays as is.
	dollarParam = regexp.MustCompile(`\$\?`)

	uuidSegment = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hexSegment  = regexp.MustCompile(`^[0-9a-fA-F]{16,}$`)
)

// NormalizeSQL replaces the literals of a query with '?'. Captured queries
// are often cut short; a dangling quote is left alone.
func NormalizeSQL(query string) string {
	if query == "" {
		return query
	}
	result := inList.ReplaceAllString(query, "IN (?)")
	result = hexLiteral.ReplaceAllString(result, "?")
	result = singleQuotedStr.ReplaceAllString(result, "?")
	result = doubleQuotedStr.ReplaceAllString(result, "?")
	result = numericLiteral.ReplaceAllString(result, "?")
	// $1 became $?; put the parameter back.
	return dollarParam.ReplaceAllStringFunc(result, func(string) string { return "$n" })
}

// NormalizePath replaces the identifier segments of a URL path, numbers
// and UUIDs and long hex strings, with {id}.
func NormalizePath(path string) string {
	if path == "" || path == "/" {
		return path
	}
	segs := strings.Split(path, "/")
	for i, s := range segs {
		if s == "" {
			continue
		}
		if isNumber(s) || uuidSegment.MatchString(s) || hexSegment.MatchString(s) {
			segs[i] = "{id}"
		}
	}
	return strings.Join(segs, "/")
}

func isNumber(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
