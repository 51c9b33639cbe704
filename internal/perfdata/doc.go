// Package perfdata reads the hsperfdata buffer a HotSpot runtime publishes
// under <tmp>/hsperfdata_<user>/<pid>.
//
// The buffer starts with a 32 byte prologue (magic 0xcafec0c0, byte order,
// version, accessible flag, entry table offset and count) followed by
// variable-length entries. String counters are byte vectors; the ones of
// interest are the java command, class path, VM name/vendor/version, and
// the capability string whose first character says whether dynamic attach
// is supported.
//
// Read accepts an alternate root so a containerized runtime can be read
// through /proc/<pid>/root.
package perfdata
