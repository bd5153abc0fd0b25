// Package stores persists build reports and deployment histories.
//
// SQLiteStore keeps them in a local SQLite database (WAL mode, schema
// managed by embedded golang-migrate migrations) so that later runs can
// list past builds and find the artifact a deployment should roll back
// to. WriteReport additionally writes each report as JSON next to the
// build.
package stores
