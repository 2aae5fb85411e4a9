package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rewrite(t *testing.T, src string, opts Options) (string, bool) {
	t.Helper()
	out, changed, err := Rewrite("input.go", []byte(src), opts)
	require.NoError(t, err)
	return string(out), changed
}

func TestRewriteInjectsScope(t *testing.T) {
	src := `package server

import "fmt"

func Handle(n int) {
	fmt.Println(n)
	fmt.Println(n + 1)
}
`
	out, changed := rewrite(t, src, Options{ImportPath: "example.com/app/server", MinLines: 2})
	require.True(t, changed)

	assert.Contains(t, out, `defer lop.Scope("example.com/app/server.Handle")()`)
	assert.Contains(t, out, `"github.com/kolkov/lopprofiler/lop"`)

	// The defer must be the first statement of the body.
	idx := strings.Index(out, "func Handle")
	require.Positive(t, idx)
	body := out[idx:]
	assert.Less(t, strings.Index(body, "lop.Scope"), strings.Index(body, "fmt.Println"))
}

func TestRewriteMethodReceivers(t *testing.T) {
	src := `package store

type DB struct{}

func (db *DB) Get(k string) string {
	v := lookup(db, k)
	return v
}

func (db DB) Close() error {
	flush(db)
	return nil
}
`
	out, _ := rewrite(t, src, Options{ImportPath: "example.com/app/store", MinLines: 2})
	assert.Contains(t, out, `lop.Scope("example.com/app/store.(*DB).Get")`)
	assert.Contains(t, out, `lop.Scope("example.com/app/store.(DB).Close")`)
}

func TestRewriteFallsBackToPackageName(t *testing.T) {
	src := `package scratch

func Run() {
	step()
	step()
}
`
	out, _ := rewrite(t, src, Options{MinLines: 2})
	assert.Contains(t, out, `lop.Scope("scratch.Run")`)
}

func TestRewriteSkipsShortBodies(t *testing.T) {
	src := `package p

func tiny() int { return 1 }

func big() int {
	a := 1
	b := 2
	return a + b
}
`
	out, changed := rewrite(t, src, Options{ImportPath: "m/p", MinLines: 3})
	require.True(t, changed)
	assert.NotContains(t, out, `lop.Scope("m/p.tiny")`)
	assert.Contains(t, out, `lop.Scope("m/p.big")`)
}

func TestRewriteIdempotent(t *testing.T) {
	src := `package p

func Work() {
	step()
	step()
}
`
	once, changed := rewrite(t, src, Options{ImportPath: "m/p", MinLines: 2})
	require.True(t, changed)

	twice, changedAgain := rewrite(t, once, Options{ImportPath: "m/p", MinLines: 2})
	assert.False(t, changedAgain)
	assert.Equal(t, once, twice)
	assert.Equal(t, 1, strings.Count(once, "lop.Scope"))
}

func TestRewriteNoEligibleFunctions(t *testing.T) {
	src := `package p

var x = 1
`
	out, changed := rewrite(t, src, Options{ImportPath: "m/p", MinLines: 2})
	assert.False(t, changed)
	assert.Equal(t, src, out)
	assert.NotContains(t, out, "lopprofiler")
}

func TestRewriteImportGrouped(t *testing.T) {
	src := `package p

import (
	"fmt"
	"os"
)

func Work() {
	fmt.Println(os.Args)
	fmt.Println("done")
}
`
	out, _ := rewrite(t, src, Options{ImportPath: "m/p", MinLines: 2})
	assert.Equal(t, 1, strings.Count(out, `"github.com/kolkov/lopprofiler/lop"`),
		"the import must be added exactly once")
}

func TestRewriteImportClash(t *testing.T) {
	src := `package p

import lop "example.com/other/lop"

func Work() {
	lop.Something()
	lop.SomethingElse()
}
`
	_, _, err := Rewrite("input.go", []byte(src), Options{ImportPath: "m/p", MinLines: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already an import")
}

func TestRewriteGenericReceiver(t *testing.T) {
	src := `package p

type List[T any] struct{ items []T }

func (l *List[T]) Append(v T) {
	l.items = append(l.items, v)
	l.touch()
}
`
	out, _ := rewrite(t, src, Options{ImportPath: "m/p", MinLines: 2})
	assert.Contains(t, out, `lop.Scope("m/p.(*List).Append")`)
}

func TestRewriteOutputIsParseable(t *testing.T) {
	src := `package p

func A() {
	work()
	work()
}

func B() int {
	x := compute()
	return x
}
`
	out, _ := rewrite(t, src, Options{ImportPath: "m/p", MinLines: 2})

	// A second pass over the output must parse cleanly.
	_, changed, err := Rewrite("out.go", []byte(out), Options{ImportPath: "m/p", MinLines: 2})
	require.NoError(t, err)
	assert.False(t, changed)
}
