// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/assetpipe/pkg/contentaddress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFeed(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = c.Hidden
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "hash")
	assert.Contains(t, names, "bundle")
	assert.Contains(t, names, "version")
	assert.True(t, names["bundle-worker"], "worker command is hidden")
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestHashCmd_KeyOrderDoesNotMatter(t *testing.T) {
	dir := t.TempDir()
	a := writeFeed(t, dir, "a.json", `[{"id":"x","source":"1"}]`)
	b := writeFeed(t, dir, "b.json", `[{"source":"1","id":"x"}]`)

	out, err := execute(t, "", "hash", a, b)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	hashA, _, _ := strings.Cut(lines[0], "  ")
	hashB, _, _ := strings.Cut(lines[1], "  ")
	assert.Equal(t, hashA, hashB)
	assert.Len(t, hashA, 64)
}

func TestHashCmd_Stdin(t *testing.T) {
	out, err := execute(t, `[{"id":"x","source":"1"}]`, "hash")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "  -"))
}

func TestHashCmd_Array(t *testing.T) {
	out, err := execute(t, "", "hash", "--array", "aaa", "bbb")
	require.NoError(t, err)
	assert.Equal(t, contentaddress.HashArray([]string{"aaa", "bbb"})+"\n", out)

	_, err = execute(t, "", "hash", "--array")
	assert.Error(t, err)
}

func TestHashCmd_Blake3Differs(t *testing.T) {
	sha, err := execute(t, "[]", "hash")
	require.NoError(t, err)
	b3, err := execute(t, "[]", "hash", "--algorithm", "blake3")
	require.NoError(t, err)
	assert.NotEqual(t, sha, b3)

	_, err = execute(t, "[]", "hash", "--algorithm", "md5")
	assert.Error(t, err)
}

func TestHashCmd_NotAFeed(t *testing.T) {
	_, err := execute(t, `{"id":"x"}`, "hash")
	assert.ErrorContains(t, err, "not a feed")
}

func TestBundleCmd(t *testing.T) {
	dir := t.TempDir()
	a := writeFeed(t, dir, "a.json", `[{"id":"a","content":".a{color:red}"}]`)
	b := writeFeed(t, dir, "b.json", `[{"id":"b","content":".b{color:blue}"}]`)

	out, err := execute(t, "", "bundle", "--type", "css", a, b)
	require.NoError(t, err)
	assert.Less(t, strings.Index(out, ".a{"), strings.Index(out, ".b{"), "argument order is bundle order")

	target := filepath.Join(dir, "out.css")
	_, err = execute(t, "", "bundle", "-t", "css", "-o", target, a)
	require.NoError(t, err)
	written, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(written), ".a{color:red}")
}

func TestBundleCmd_Errors(t *testing.T) {
	dir := t.TempDir()
	a := writeFeed(t, dir, "a.json", `[{"id":"a","source":"1"}]`)

	_, err := execute(t, "", "bundle", a)
	assert.Error(t, err, "type is required")

	_, err = execute(t, "", "bundle", "--type", "html", a)
	assert.Error(t, err)

	_, err = execute(t, "", "bundle", "--type", "js", filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestLoadServeConfig_FlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFeed(t, dir, "c.yaml", "server:\n  port: 8080\nsink:\n  kind: memory\n")
	t.Setenv("ASSETPIPE_PORT", "")

	cmd := newServeCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--env-file", writeFeed(t, dir, ".env", ""), "--port", "9001"}))
	flags := &serveFlags{configPath: path, envFile: filepath.Join(dir, ".env"), port: 9001}

	cfg, _, err := loadServeConfig(cmd, flags)
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Sink.Kind)
}

func TestLoadServeConfig_MissingConfig(t *testing.T) {
	cmd := newServeCmd()
	flags := &serveFlags{configPath: filepath.Join(t.TempDir(), "nope.yaml")}
	_, _, err := loadServeConfig(cmd, flags)
	assert.Error(t, err)
}
