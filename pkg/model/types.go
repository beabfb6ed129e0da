package model

// SessionToken is the nullable, replaceable bearer token produced by
// authentication. While non-empty it is attached to every subsequent
// request; on authentication failure the holder must clear it before retry.
type SessionToken struct {
	Value string
}

// Valid reports whether a token is currently held.
func (t *SessionToken) Valid() bool {
	return t != nil && t.Value != ""
}

// PendingDeployment is the persisted (deployment_id, expected_artifact_name)
// pair. Created only once the update flow reaches set-boot-slot; destroyed
// only after the corresponding success/failure status report has been
// delivered. It is the sole mechanism by which a post-reboot run
// distinguishes a successful swap from a rollback.
type PendingDeployment struct {
	DeploymentID         string `json:"deployment_id"`
	ExpectedArtifactName string `json:"expected_artifact_name"`
}

// Payload is one entry of the artifact's header-info payload list: its
// declared type string and optional structured metadata.
type Payload struct {
	Type     string
	MetaData map[string]interface{}
}

// ParserState is the artifact parser's own two-value state machine, private
// to ArtifactContext but exported so collaborating packages can assert on it
// in tests.
type ParserState int

const (
	AwaitingHeader ParserState = iota
	ConsumingBody
)

// ArtifactContext is the transient state owned exclusively by the artifact
// parser for the duration of one download attempt. It is never shared across
// downloads; destroyed on normal completion or transport error.
type ArtifactContext struct {
	State ParserState

	// Buf holds the unparsed suffix of the byte stream.
	Buf []byte

	// CurrentPath is the fully qualified path of the entry currently being
	// consumed, e.g. "header.tar/headers/0000/meta-data" or "data/0000.tar".
	CurrentPath string

	// CurrentSize and CurrentIndex track the declared size and bytes-consumed
	// counter of the entry currently being consumed.
	CurrentSize  int64
	CurrentIndex int64

	// Payloads is indexed by the payload's position in header-info's list.
	Payloads []Payload

	// VersionOK records whether the version document declared {mender, 3}.
	// No binary payload callback is ever emitted when this is false.
	VersionOK bool

	// FileOpen/FileName/FileSize/FileIndex track the inner file currently
	// being streamed out of a data/NNNN.tar member.
	FileOpen  bool
	FileName  string
	FileSize  int64
	FileIndex int64
}
