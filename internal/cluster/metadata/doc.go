package metadata

// SystemDatabase is the reserved database name under which cluster-wide
// system metadata (node identities, index settings for system indices)
// lives, distinct from any user-created index.
const SystemDatabase = ".xapiand"
