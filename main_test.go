package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUids(t *testing.T) {
	uids, err := parseUids("")
	require.NoError(t, err)
	assert.Empty(t, uids)

	uids, err = parseUids(" 1, 2,,3 ")
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, uids)

	_, err = parseUids("1,x")
	assert.Error(t, err)
	_, err = parseUids("-1")
	assert.Error(t, err)
}

func TestValidateAddr(t *testing.T) {
	assert.NoError(t, validateAddr("127.0.0.1:8000"))
	assert.NoError(t, validateAddr("10.1.2.3:80"))
	assert.Error(t, validateAddr("8.8.8.8:80"))
	assert.Error(t, validateAddr("localhost"))
	assert.Error(t, validateAddr("example.com:80"))
}

func TestSavePid(t *testing.T) {
	name := filepath.Join(t.TempDir(), "minichat.pid")

	require.NoError(t, savePid(name, 12345))
	content, err := ioutil.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(content))

	// A live process holds the file.
	require.NoError(t, ioutil.WriteFile(name, []byte(strconv.Itoa(os.Getpid())), 0600))
	assert.Error(t, savePid(name, 1))
}
