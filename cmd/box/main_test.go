package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tdelhaise/box/internal/config"
)

func TestCandidateEndpointsOrdersCLIAddressFirst(t *testing.T) {
	f := &config.File{}
	f.Client.Address = "configured.example"
	f.Client.Port = 4242
	f.Common.RootServers = []string{"root1.example:4242"}

	flags := &globalFlags{address: "explicit.example", port: 9000}

	eps := candidateEndpoints(flags, f)
	require.Len(t, eps, 3)
	require.Equal(t, "explicit.example:9000", eps[0].Address)
	require.Equal(t, "configured.example:4242", eps[1].Address)
	require.Equal(t, "root1.example:4242", eps[2].Address)
}

func TestCandidateEndpointsFallsBackToRootServersOnly(t *testing.T) {
	f := &config.File{}
	f.Common.RootServers = []string{"root1.example:4242", "root2.example:4242"}

	eps := candidateEndpoints(&globalFlags{}, f)
	require.Len(t, eps, 2)
}

func TestStoreRootDirDerivesFromConfigDirectory(t *testing.T) {
	require.Equal(t, "/home/alice/.box/store", storeRootDir("/home/alice/.box/config"))
	require.Equal(t, "./store", storeRootDir("config"))
}

func TestOrDefaultPrefersPrimary(t *testing.T) {
	require.Equal(t, "a", orDefault("a", "b"))
	require.Equal(t, "b", orDefault("", "b"))
}
