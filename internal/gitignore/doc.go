// Package gitignore implements gitignore-style path matching
// (https://git-scm.com/docs/gitignore), so the workspace scanner and file
// watcher apply the same ignore rules a developer already has checked into
// their repo instead of reimplementing a second, divergent notion of
// "ignored".
//
// Supported syntax:
//   - literal and wildcard globs (*.log, *, ?, **)
//   - rooted patterns (/build)
//   - negation (!keep-this.log)
//   - directory-only patterns (build/)
//   - per-directory scoping, for nested .gitignore files
//
// A Matcher is safe for concurrent use once built:
//
//	m := gitignore.New()
//	m.AddPattern("*.log")
//	m.AddPattern("!important.log")
//	m.AddPattern("/build/")
//	m.Match("error.log", false) // true
//
// Nested .gitignore files scope their patterns to the directory the file
// lives in by passing that directory as base:
//
//	m.AddFromFile(root+"/.gitignore", "")
//	m.AddFromFile(root+"/src/.gitignore", "src")
package gitignore
