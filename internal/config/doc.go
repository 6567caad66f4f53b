// Package config loads the EffiSend agent configuration from a JSON file,
// an optional .env file and EFFISEND_* environment overrides, and resolves
// secret references against the environment or AWS SSM Parameter Store.
package config
