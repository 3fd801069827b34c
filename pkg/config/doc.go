// Package config loads the static, file-backed configuration for a node:
// identity, server endpoints, TLS material, storage location, and the
// partition_shift that sizes the hash space. It mirrors the teacher's
// plain-struct-plus-YAML approach rather than reaching for a settings
// framework, since the original is itself a thin pydantic-settings layer
// with no ecosystem equivalent carried by the teacher.
package config
