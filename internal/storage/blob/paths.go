// -----------------------------------------------------------------------
// Blob path contract - stable layout shared by splitter, post-processor
// and packager
// -----------------------------------------------------------------------

package blob

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Layout under the session prefix:
//
//	users/{userId}/sessions/{sessionId}/
//	  originals/{timestamp}_{uniqueToken}_{origName}
//	  pages/{timestamp}_{uniqueToken}_{origStem}_page_{N}.pdf
//	  processed/{newFileName}
//	  exports/session_{sessionId}_{timestamp}.zip

// timestampFormat is compact and sortable; blob names never contain colons.
const timestampFormat = "20060102150405"

// Timestamp returns the path-safe form of t in UTC.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampFormat)
}

// SessionPrefix returns the root every session artifact lives under.
func SessionPrefix(userID, sessionID string) string {
	return fmt.Sprintf("users/%s/sessions/%s/", userID, sessionID)
}

// OriginalPath places an uploaded file under originals/.
func OriginalPath(userID, sessionID, timestamp, token, origName string) string {
	return SessionPrefix(userID, sessionID) + fmt.Sprintf("originals/%s_%s_%s", timestamp, token, SafeName(origName))
}

// PagePath places one split page under pages/. Page numbers are 1-based.
func PagePath(userID, sessionID, timestamp, token, origName string, pageNumber int) string {
	return SessionPrefix(userID, sessionID) + fmt.Sprintf("pages/%s_%s_%s_page_%d.pdf", timestamp, token, Stem(origName), pageNumber)
}

// ProcessedPath places a renamed artifact under processed/.
func ProcessedPath(userID, sessionID, newFileName string) string {
	return SessionPrefix(userID, sessionID) + "processed/" + newFileName
}

// ExportPath places the packaged archive under exports/.
func ExportPath(userID, sessionID, timestamp string) string {
	return SessionPrefix(userID, sessionID) + fmt.Sprintf("exports/session_%s_%s.zip", sessionID, timestamp)
}

// Stem strips the directory and extension from a file name.
func Stem(name string) string {
	base := path.Base(SafeName(name))
	return strings.TrimSuffix(base, path.Ext(base))
}

// SafeName flattens separators and parent references out of client-supplied
// names so they cannot escape the session prefix.
func SafeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." || name == "/" {
		return "unnamed"
	}
	return name
}
