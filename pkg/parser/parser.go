// Package parser implements the streaming artifact container decoder
// described in spec §4.2: an incremental tar-of-tars reader that emits
// typed payload callbacks without ever buffering the whole image.
//
// The container is an outer ustar stream in which selected entries
// ("header.tar", "data/NNNN.tar") are themselves nested tar streams. The
// parser tracks nesting with a path stack rather than recursion, so it can
// resume mid-entry across arbitrarily small Feed() calls — the same code
// path handles one byte at a time or the whole artifact in a single call.
package parser

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/raycarroll/mcu-mender-agent/pkg/model"
	"github.com/raycarroll/mcu-mender-agent/pkg/taxonomy"
)

const blockSize = 512

// PayloadEvent is the callback payload delivered for every binary-payload
// block (spec §4.2's callback contract). Filename is empty for the
// begin-of-bundle no-op marker.
type PayloadEvent struct {
	Type     string
	MetaData map[string]interface{}
	Filename string
	HasFile  bool
	Size     int64
	Chunk    []byte
	Offset   int64
	Length   int64
}

// PayloadCallback receives every binary payload event. Its Fail result
// aborts the whole download, per spec §4.2's failure semantics.
type PayloadCallback func(PayloadEvent) taxonomy.Result

var (
	metaDataPattern   = regexp.MustCompile(`^headers/(\d+)/meta-data$`)
	dataBundlePattern = regexp.MustCompile(`^data/(\d+)\.tar$`)
)

type bodyMode int

const (
	modeSkip bodyMode = iota
	modeVersion
	modeHeaderInfo
	modeMetaData
	modePayloadChunk
)

// Parser is the stateful streaming decoder for one artifact download. It is
// not safe for concurrent use and must not be shared across downloads,
// matching ArtifactContext's documented lifetime.
type Parser struct {
	ctx       *model.ArtifactContext
	pathStack []string
	onPayload PayloadCallback

	mode        bodyMode
	metaIndex   int
	bundleIndex int
	accum       bytes.Buffer

	failed    bool
	failCause error
}

// New creates a Parser that invokes onPayload for every binary payload
// event it decodes.
func New(onPayload PayloadCallback) *Parser {
	return &Parser{
		ctx:       &model.ArtifactContext{State: model.AwaitingHeader},
		onPayload: onPayload,
	}
}

// Context exposes the transient ArtifactContext for diagnostics and tests.
func (p *Parser) Context() *model.ArtifactContext {
	return p.ctx
}

// Feed appends chunk to the parser's internal buffer and consumes as much
// as it can. It returns taxonomy.Ok while more input is required,
// taxonomy.Done once the outer container's end-of-archive marker has been
// observed, or taxonomy.Fail (with an error) on any parse failure.
func (p *Parser) Feed(chunk []byte) (taxonomy.Result, error) {
	if p.failed {
		return taxonomy.Fail, p.failCause
	}
	if len(chunk) > 0 {
		p.ctx.Buf = append(p.ctx.Buf, chunk...)
	}

	for {
		waiting, done, err := p.step()
		if err != nil {
			return p.fail(err)
		}
		if done {
			return taxonomy.Done, nil
		}
		if waiting {
			return taxonomy.Ok, nil
		}
		// Otherwise a block was consumed and the state machine made
		// progress; loop to either consume another buffered block or wait
		// for more input. This keeps buffering bounded (spec §4.2, §8):
		// the buffer never holds more than one block beyond the pointer.
	}
}

func (p *Parser) fail(err error) (taxonomy.Result, error) {
	p.failed = true
	p.failCause = err
	return taxonomy.Fail, err
}

// step performs one unit of work: either inspecting a header block or
// consuming one body block. waiting=true means Feed needs more bytes before
// it can make progress.
func (p *Parser) step() (waiting bool, done bool, err error) {
	switch p.ctx.State {
	case model.AwaitingHeader:
		return p.stepAwaitingHeader()
	case model.ConsumingBody:
		return p.stepConsumingBody()
	default:
		return false, false, errors.Errorf("parser: unknown state %d", p.ctx.State)
	}
}

func (p *Parser) stepAwaitingHeader() (waiting bool, done bool, err error) {
	if len(p.ctx.Buf) < blockSize {
		return true, false, nil
	}
	block := p.ctx.Buf[:blockSize]

	if block[0] == 0 {
		// Candidate end-of-tar marker: two consecutive zero-name blocks.
		if len(p.ctx.Buf) < 2*blockSize {
			return true, false, nil
		}
		p.ctx.Buf = p.ctx.Buf[2*blockSize:]
		if len(p.pathStack) == 0 {
			p.ctx.CurrentPath = ""
			return false, true, nil
		}
		p.pathStack = p.pathStack[:len(p.pathStack)-1]
		p.ctx.CurrentPath = p.currentPath()
		return false, false, nil
	}

	name, size, err := parseHeaderBlock(block)
	if err != nil {
		return false, false, err
	}
	p.ctx.Buf = p.ctx.Buf[blockSize:]

	fullPath := p.joinPath(name)

	if strings.HasSuffix(name, ".tar") {
		p.pathStack = append(p.pathStack, name)
		p.ctx.CurrentPath = p.currentPath()
		if m := dataBundlePattern.FindStringSubmatch(name); m != nil {
			idx, _ := strconv.Atoi(m[1])
			if idx >= len(p.ctx.Payloads) {
				return false, false, errors.Errorf("parser: data bundle index %d out of range", idx)
			}
			if !p.ctx.VersionOK {
				return false, false, errors.New("parser: data bundle encountered before a valid version document")
			}
			p.emitBundleBegin(idx)
		}
		return false, false, nil
	}

	return false, false, p.openBody(fullPath, name, size)
}

func (p *Parser) openBody(fullPath, name string, size int64) error {
	p.ctx.CurrentPath = fullPath
	p.ctx.CurrentSize = size
	p.ctx.CurrentIndex = 0
	p.accum.Reset()

	switch {
	case len(p.pathStack) == 0 && name == "version":
		p.mode = modeVersion
	case p.inside("header.tar") && name == "header-info":
		p.mode = modeHeaderInfo
	case p.inside("header.tar"):
		if m := metaDataPattern.FindStringSubmatch(name); m != nil {
			idx, _ := strconv.Atoi(m[1])
			if idx >= len(p.ctx.Payloads) {
				return errors.Errorf("parser: meta-data index %d out of range", idx)
			}
			p.mode = modeMetaData
			p.metaIndex = idx
		} else {
			p.mode = modeSkip
		}
	case p.insideDataBundle():
		p.mode = modePayloadChunk
		p.bundleIndex = p.currentBundleIndex()
		p.ctx.FileName = name
		p.ctx.FileSize = size
		p.ctx.FileIndex = 0
		p.ctx.FileOpen = true
	default:
		p.mode = modeSkip
	}

	if size == 0 {
		return p.finishBody()
	}
	p.ctx.State = model.ConsumingBody
	return nil
}

func (p *Parser) stepConsumingBody() (waiting bool, done bool, err error) {
	if len(p.ctx.Buf) < blockSize {
		return true, false, nil
	}
	raw := p.ctx.Buf[:blockSize]
	p.ctx.Buf = p.ctx.Buf[blockSize:]

	remaining := p.ctx.CurrentSize - p.ctx.CurrentIndex
	meaningful := int64(blockSize)
	if remaining < meaningful {
		meaningful = remaining
	}
	chunk := raw[:meaningful]

	switch p.mode {
	case modeVersion, modeHeaderInfo, modeMetaData:
		p.accum.Write(chunk)
	case modePayloadChunk:
		if !p.ctx.VersionOK {
			return false, false, errors.New("parser: payload data encountered before a valid version document")
		}
		if p.onPayload != nil {
			res := p.onPayload(PayloadEvent{
				Type:     p.ctx.Payloads[p.bundleIndex].Type,
				MetaData: p.ctx.Payloads[p.bundleIndex].MetaData,
				Filename: p.ctx.FileName,
				HasFile:  true,
				Size:     p.ctx.FileSize,
				Chunk:    chunk,
				Offset:   p.ctx.FileIndex,
				Length:   meaningful,
			})
			if res == taxonomy.Fail {
				return false, false, errors.New("parser: payload callback failed")
			}
		}
		p.ctx.FileIndex += meaningful
	case modeSkip:
		// discard
	}

	p.ctx.CurrentIndex += meaningful
	if p.ctx.CurrentIndex >= p.ctx.CurrentSize {
		if err := p.finishBody(); err != nil {
			return false, false, err
		}
	}
	return false, false, nil
}

func (p *Parser) finishBody() error {
	defer func() {
		p.ctx.State = model.AwaitingHeader
		p.ctx.CurrentPath = p.currentPath()
	}()

	switch p.mode {
	case modeVersion:
		return p.finishVersion()
	case modeHeaderInfo:
		return p.finishHeaderInfo()
	case modeMetaData:
		return p.finishMetaData()
	case modePayloadChunk:
		p.ctx.FileOpen = false
	}
	return nil
}

func (p *Parser) finishVersion() error {
	var doc struct {
		Format  string `json:"format"`
		Version int    `json:"version"`
	}
	if p.accum.Len() > 0 {
		if err := json.Unmarshal(p.accum.Bytes(), &doc); err != nil {
			return errors.Wrap(err, "parser: malformed version document")
		}
	}
	if doc.Format != "mender" || doc.Version != 3 {
		return errors.Errorf("parser: unsupported artifact version %s/%d", doc.Format, doc.Version)
	}
	p.ctx.VersionOK = true
	return nil
}

func (p *Parser) finishHeaderInfo() error {
	var doc struct {
		Payloads []struct {
			Type string `json:"type"`
		} `json:"payloads"`
	}
	if err := json.Unmarshal(p.accum.Bytes(), &doc); err != nil {
		return errors.Wrap(err, "parser: malformed header-info")
	}
	if doc.Payloads == nil {
		return errors.New("parser: header-info missing payloads array")
	}
	p.ctx.Payloads = make([]model.Payload, len(doc.Payloads))
	for i, entry := range doc.Payloads {
		p.ctx.Payloads[i].Type = entry.Type
	}
	return nil
}

func (p *Parser) finishMetaData() error {
	if p.accum.Len() == 0 {
		p.ctx.Payloads[p.metaIndex].MetaData = nil
		return nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(p.accum.Bytes(), &doc); err != nil {
		return errors.Wrap(err, "parser: malformed meta-data")
	}
	p.ctx.Payloads[p.metaIndex].MetaData = doc
	return nil
}

func (p *Parser) emitBundleBegin(idx int) {
	if p.onPayload == nil {
		return
	}
	p.onPayload(PayloadEvent{
		Type:     p.ctx.Payloads[idx].Type,
		MetaData: p.ctx.Payloads[idx].MetaData,
		HasFile:  false,
	})
}

func (p *Parser) joinPath(name string) string {
	if len(p.pathStack) == 0 {
		return name
	}
	return p.currentPath() + "/" + name
}

func (p *Parser) currentPath() string {
	return strings.Join(p.pathStack, "/")
}

func (p *Parser) inside(prefix string) bool {
	return len(p.pathStack) == 1 && p.pathStack[0] == prefix
}

func (p *Parser) insideDataBundle() bool {
	return len(p.pathStack) == 1 && dataBundlePattern.MatchString(p.pathStack[0])
}

func (p *Parser) currentBundleIndex() int {
	m := dataBundlePattern.FindStringSubmatch(p.pathStack[0])
	idx, _ := strconv.Atoi(m[1])
	return idx
}

// parseHeaderBlock validates the ustar magic and extracts the name and
// octal size fields from a 512-byte header block, following the field
// offsets of the standard ustar header layout.
func parseHeaderBlock(block []byte) (name string, size int64, err error) {
	magic := block[257:263]
	if !(bytes.Equal(magic, []byte("ustar\x00")) || bytes.Equal(magic, []byte("ustar "))) {
		return "", 0, errors.New("parser: missing ustar magic at header position")
	}
	name = cString(block[0:100])
	size, err = parseOctal(block[124:136])
	if err != nil {
		return "", 0, errors.Wrap(err, "parser: malformed size field")
	}
	return name, size, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// parseOctal parses a tar numeric field: an octal ASCII string tolerant of
// trailing whitespace and NUL padding.
func parseOctal(b []byte) (int64, error) {
	s := strings.TrimRight(string(b), " \x00")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0, err
	}
	return v, nil
}
