package logging

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
)

// WithFields decorates a logr.Logger so that any log entries contain all the
// given fields, each key prefixed by fieldKeyPrefix. Used to attach
// per-template or per-identity context (config file, template key, secret
// path) to every log line emitted while that unit of work is in flight.
func WithFields(logger logr.Logger, fields map[string]string, fieldKeyPrefix string) logr.Logger {
	for key, value := range fields {
		logger = logger.WithValues(
			fmt.Sprintf(
				"%s%s",
				fieldKeyPrefix,
				linearFieldKey(key),
			),
			value,
		)
	}

	return logger
}

// linearFieldKey reduces a given field key to a linear form such that an
// incoming key will have underscores in place of periods, colons and
// forward slashes. This has the potential to collapse multiple keys onto a
// single one; unlikely in practice for the field names rconfd uses (template
// paths, secret identities).
//
// e.g. vault:role:kv/data/s would become vault_role_kv_data_s
func linearFieldKey(fieldKey string) string {
	fieldKey = strings.ReplaceAll(fieldKey, "/", "_")
	fieldKey = strings.ReplaceAll(fieldKey, ".", "_")
	fieldKey = strings.ReplaceAll(fieldKey, ":", "_")

	return fieldKey
}
