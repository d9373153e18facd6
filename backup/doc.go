// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package backup dumps and restores the application tables.

A backup is one gzip-compressed JSON document:

	{"version": 1, "created_at": "...", "tables": {"users": [{...}], ...}}

stored as m4bot-<yyyymmdd-hhmmss>-<id prefix>.json.gz in the backup
directory. The backups table records each file with its sha256 checksum,
and Restore refuses files whose checksum no longer matches.
*/
package backup
