package identity

import "sort"

// NullLookup is the dev/test-corpus Lookup backend: every identifier hit
// misses. Real deployments wire a claims or policy-administration system
// lookup here; no concrete backend exists anywhere in the pack to ground
// one against, so this is the documented interface boundary (mirrored by
// caseadapter.Adapter's own pluggable-interface precedent).
type NullLookup struct{}

func (NullLookup) Find(hit IdentifierHit) (Record, bool, error) {
	return Record{}, false, nil
}

// NullCRM is the dev/test-corpus CRM backend: no sender email is ever known
// to have any policy numbers on file, so SIG_SENDER_EMAIL_MATCH never
// fires. Deployments that want IDENTITY_PROBABLE reachable in practice wire
// InMemoryCRM or a real CRM lookup instead.
type NullCRM struct{}

func (NullCRM) PolicyNumbersForSenderEmail(email string) ([]string, error) {
	return nil, nil
}

// InMemoryCRM is the reference CRM adapter (ieim/identity/adapters.py
// InMemoryCRMAdapter): a fixed map of sender email to the policy numbers on
// file for them.
type InMemoryCRM struct {
	EmailToPolicyNumbers map[string][]string
}

func (c InMemoryCRM) PolicyNumbersForSenderEmail(email string) ([]string, error) {
	values := append([]string(nil), c.EmailToPolicyNumbers[email]...)
	sort.Strings(values)
	return values, nil
}
