package attachment

// PassthroughScanner is the dev/test-corpus Scanner: it reports every
// attachment CLEAN without inspecting bytes. No antivirus client library is
// present anywhere in the pack to ground a real one against, so this is the
// documented interface boundary a production deployment replaces (e.g. a
// ClamAV daemon client dialed over its line protocol).
type PassthroughScanner struct{}

func (PassthroughScanner) Scan(data []byte, filename, mimeType string) (AVStatus, error) {
	return AVClean, nil
}
