// ABOUTME: Tests for hsperfdata parsing, location, and the jps main class heuristic.
// ABOUTME: Uses synthetic buffers written under a temp root to simulate host and container layouts.

package perfdata_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/burrow/internal/perfdata"
	"github.com/2389/burrow/internal/perfdata/perfdatatest"
)

func sampleBuilder() *perfdatatest.Builder {
	return perfdatatest.New().
		String(perfdata.KeyCommand, "com.example.shop.Main --port 8080").
		String(perfdata.KeyClassPath, "/app/lib/*:/app/classes").
		String(perfdata.KeyVMName, "OpenJDK 64-Bit Server VM").
		String(perfdata.KeyVMVendor, "Eclipse Adoptium").
		String(perfdata.KeyVMVersion, "21.0.2+13-LTS").
		String(perfdata.KeyVMArgs, "-Xmx512m -Dshop.env=prod").
		Long("sun.rt.createVmBeginTime", 1700000000000).
		Attachable(true)
}

func TestParse_BothByteOrders(t *testing.T) {
	for _, little := range []bool{true, false} {
		b := sampleBuilder()
		b.LittleEndian = little

		d, err := perfdata.Parse(b.Bytes())
		require.NoError(t, err)

		assert.Equal(t, 2, d.MajorVersion)
		assert.True(t, d.Accessible)
		assert.True(t, d.Attachable())
		assert.Equal(t, int64(1700000000000), d.Longs["sun.rt.createVmBeginTime"])

		info := d.Info()
		assert.Equal(t, "com.example.shop.Main --port 8080", info.CommandLine)
		assert.Equal(t, "Main", info.MainClass)
		assert.Equal(t, "/app/lib/*:/app/classes", info.ClassPath)
		assert.Equal(t, "OpenJDK 64-Bit Server VM", info.VMName)
		assert.Equal(t, "Eclipse Adoptium", info.VMVendor)
		assert.Equal(t, "21.0.2+13-LTS", info.VMVersion)
		assert.Equal(t, "-Xmx512m -Dshop.env=prod", info.VMArgs)
	}
}

func TestParse_Rejects(t *testing.T) {
	_, err := perfdata.Parse([]byte{1, 2, 3})
	assert.ErrorIs(t, err, perfdata.ErrTruncated)

	buf := sampleBuilder().Bytes()
	buf[0] = 0
	_, err = perfdata.Parse(buf)
	assert.ErrorIs(t, err, perfdata.ErrBadMagic)

	b := sampleBuilder()
	b.Major = 1
	_, err = perfdata.Parse(b.Bytes())
	assert.ErrorIs(t, err, perfdata.ErrUnsupportedVersion)

	full := sampleBuilder().Bytes()
	_, err = perfdata.Parse(full[:60])
	assert.ErrorIs(t, err, perfdata.ErrTruncated)
}

func TestRead_FromRoot(t *testing.T) {
	root := t.TempDir()
	_, err := sampleBuilder().WriteFile(root, "app", 7)
	require.NoError(t, err)

	info, err := perfdata.Read(7, root)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "Main", info.MainClass)

	info, err = perfdata.Read(8, root)
	assert.NoError(t, err)
	assert.Nil(t, info, "missing buffer yields no result")
}

func TestRead_NotAttachableOrInaccessible(t *testing.T) {
	root := t.TempDir()

	_, err := perfdatatest.New().String(perfdata.KeyCommand, "a.B").Attachable(false).WriteFile(root, "u", 10)
	require.NoError(t, err)
	info, err := perfdata.Read(10, root)
	assert.NoError(t, err)
	assert.Nil(t, info)

	b := sampleBuilder()
	b.Inaccessible = true
	_, err = b.WriteFile(root, "u", 11)
	require.NoError(t, err)
	info, err = perfdata.Read(11, root)
	assert.NoError(t, err)
	assert.Nil(t, info)
}

func TestRead_CorruptFileIsError(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "tmp", "hsperfdata_u")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "12"), make([]byte, 64), 0644))

	info, err := perfdata.Read(12, root)
	assert.Error(t, err)
	assert.Nil(t, info)
}

func TestScanPIDs(t *testing.T) {
	root := t.TempDir()
	for _, pid := range []int{42, 7, 1000} {
		_, err := sampleBuilder().WriteFile(root, "app", pid)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "tmp", "hsperfdata_app", "not-a-pid"), nil, 0644))

	assert.Equal(t, []int{7, 42, 1000}, perfdata.ScanPIDs(root))
}

func TestMainClass(t *testing.T) {
	cases := map[string]string{
		"com.example.Main":                      "Main",
		"com.example.Main arg1 arg2":            "Main",
		"/opt/app/service.jar --spring.profile": "service.jar",
		`C:\apps\tool.JAR`:                      "tool.JAR",
		"org.gradle.launcher.daemon.bootstrap.GradleDaemon 8.5": "GradleDaemon",
		"mymodule/com.example.App":                              "App",
		"Main":                                                  "Main",
		"":                                                      "",
	}
	for in, want := range cases {
		assert.Equal(t, want, perfdata.MainClass(in), "input %q", in)
	}
}
