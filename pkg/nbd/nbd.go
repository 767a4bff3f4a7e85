package nbd

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"

	"github.com/hashicorp/go-hclog"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

var ErrInvalidMagic = errors.New("invalid magic")

const (
	defaultMaximumRequestSize = 32 * 1024 * 1024 // Support for a 32M maximum packet size is expected: https://sourceforge.net/p/nbd/mailman/message/35081223/
)

type Export struct {
	Name        string
	Description string

	Backend Backend
}

type Options struct {
	ReadOnly bool

	// Commands advertised to the client.
	Flush       bool
	Trim        bool
	WriteZeroes bool

	MinimumBlockSize   uint32
	PreferredBlockSize uint32
	MaximumBlockSize   uint32

	MaximumRequestSize int
}

func (o *Options) setDefaults() {
	if o.MinimumBlockSize == 0 {
		o.MinimumBlockSize = 1
	}

	if o.PreferredBlockSize == 0 {
		o.PreferredBlockSize = 4096
	}

	if o.MaximumBlockSize == 0 {
		o.MaximumBlockSize = defaultMaximumRequestSize
	}

	if o.MaximumRequestSize == 0 {
		o.MaximumRequestSize = defaultMaximumRequestSize
	}
}

func (o *Options) transmissionFlags() uint16 {
	flags := NEGOTIATION_REPLY_FLAGS_HAS_FLAGS

	if o.ReadOnly {
		flags |= NEGO_FLAG_READONLY
	}

	if o.Flush {
		flags |= NEGO_FLAG_SEND_FLUSH
	}

	if o.Trim {
		flags |= NEGO_FLAG_SEND_TRIM
	}

	if o.WriteZeroes {
		flags |= NEGO_FLAG_SEND_WRITE_ZEROES
	}

	return flags
}

type session struct {
	log     hclog.Logger
	conn    net.Conn
	exports []*Export
	opts    *Options

	export *Export
}

// Handle runs the newstyle handshake on conn and then serves requests for
// the chosen export until the client disconnects.
func Handle(log hclog.Logger, conn net.Conn, exports []*Export, options *Options) error {
	opts := Options{}
	if options != nil {
		opts = *options
	}

	opts.setDefaults()

	id := ulid.MustNew(ulid.Now(), ulid.DefaultEntropy())

	s := &session{
		log:     log.Named("nbd").With("session", id.String()),
		conn:    conn,
		exports: exports,
		opts:    &opts,
	}

	done, err := s.negotiate()
	if err != nil {
		return err
	}

	if done {
		return nil
	}

	return s.transmit()
}

func (s *session) writeOptionReply(id, typ uint32, data []byte) error {
	if err := binary.Write(s.conn, binary.BigEndian, optionReplyHeader{
		ReplyMagic: NEGOTIATION_MAGIC_REPLY,
		ID:         id,
		Type:       typ,
		Length:     uint32(len(data)),
	}); err != nil {
		return err
	}

	if len(data) == 0 {
		return nil
	}

	_, err := s.conn.Write(data)
	return err
}

func (s *session) writeInfo(id uint32, parts ...any) error {
	var info bytes.Buffer

	for _, p := range parts {
		if err := binary.Write(&info, binary.BigEndian, p); err != nil {
			return err
		}
	}

	return s.writeOptionReply(id, NEGOTIATION_TYPE_REPLY_INFO, info.Bytes())
}

func (s *session) findExport(name string) *Export {
	for _, candidate := range s.exports {
		if candidate.Name == name {
			return candidate
		}
	}

	return nil
}

// negotiate processes options until the client picks an export with GO or
// aborts. done is true when the client aborted.
func (s *session) negotiate() (done bool, err error) {
	if err := binary.Write(s.conn, binary.BigEndian, newstyleHeader{
		OldstyleMagic:  NEGOTIATION_MAGIC_OLDSTYLE,
		OptionMagic:    NEGOTIATION_MAGIC_OPTION,
		HandshakeFlags: NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE,
	}); err != nil {
		return false, errors.Wrapf(err, "unable to send newstyle header")
	}

	var clientFlags uint32
	if err := binary.Read(s.conn, binary.BigEndian, &clientFlags); err != nil {
		return false, errors.Wrapf(err, "reading client flags")
	}

	s.log.Trace("client flags", "value", clientFlags)

	for {
		var hdr optionHeader
		if err := binary.Read(s.conn, binary.BigEndian, &hdr); err != nil {
			return false, errors.Wrapf(err, "reading negotiation option")
		}

		if hdr.OptionMagic != NEGOTIATION_MAGIC_OPTION {
			return false, ErrInvalidMagic
		}

		s.log.Trace("negotiation option", "id", hdr.ID, "len", hdr.Length)

		switch hdr.ID {
		case NEGOTIATION_ID_OPTION_INFO, NEGOTIATION_ID_OPTION_GO:
			chosen, err := s.exportInfo(hdr)
			if err != nil {
				return false, err
			}

			if chosen && hdr.ID == NEGOTIATION_ID_OPTION_GO {
				s.log.Debug("entering transmission mode", "export", s.export.Name)
				return false, nil
			}
		case NEGOTIATION_ID_OPTION_ABORT:
			return true, s.writeOptionReply(hdr.ID, NEGOTIATION_TYPE_REPLY_ACK, nil)
		case NEGOTIATION_ID_OPTION_LIST:
			for _, export := range s.exports {
				var info bytes.Buffer

				binary.Write(&info, binary.BigEndian, uint32(len(export.Name)))
				info.WriteString(export.Name)

				if err := s.writeOptionReply(hdr.ID, NEGOTIATION_TYPE_REPLY_SERVER, info.Bytes()); err != nil {
					return false, err
				}
			}

			if err := s.writeOptionReply(hdr.ID, NEGOTIATION_TYPE_REPLY_ACK, nil); err != nil {
				return false, err
			}
		default:
			if _, err := io.CopyN(io.Discard, s.conn, int64(hdr.Length)); err != nil {
				return false, err
			}

			if err := s.writeOptionReply(hdr.ID, NEGOTIATION_TYPE_REPLY_ERR_UNSUPPORTED, nil); err != nil {
				return false, err
			}
		}
	}
}

// exportInfo answers INFO and GO. It returns true when the requested export
// exists and has been described to the client.
func (s *session) exportInfo(hdr optionHeader) (bool, error) {
	var nameLen uint32
	if err := binary.Read(s.conn, binary.BigEndian, &nameLen); err != nil {
		return false, err
	}

	if int64(nameLen)+6 > int64(hdr.Length) {
		return false, errors.Errorf("export name length %d exceeds option length %d", nameLen, hdr.Length)
	}

	name := make([]byte, nameLen)
	if _, err := io.ReadFull(s.conn, name); err != nil {
		return false, err
	}

	// Information requests, two bytes each, are not honoured individually;
	// everything is always sent.
	if _, err := io.CopyN(io.Discard, s.conn, int64(hdr.Length)-4-int64(nameLen)); err != nil {
		return false, err
	}

	s.log.Debug("looking for export", "name", string(name))

	export := s.findExport(string(name))
	if export == nil {
		s.log.Error("no export found", "name", string(name))
		return false, s.writeOptionReply(hdr.ID, NEGOTIATION_TYPE_REPLY_ERR_UNKNOWN, nil)
	}

	size, err := export.Backend.Size()
	if err != nil {
		return false, err
	}

	flags := s.opts.transmissionFlags()

	s.log.Debug("reporting export", "size", size, "flags", flags)

	if err := s.writeInfo(hdr.ID, exportInfo{
		Type:              NEGOTIATION_TYPE_INFO_EXPORT,
		Size:              uint64(size),
		TransmissionFlags: flags,
	}); err != nil {
		return false, err
	}

	if err := s.writeInfo(hdr.ID, NEGOTIATION_TYPE_INFO_NAME, []byte(export.Name)); err != nil {
		return false, err
	}

	if err := s.writeInfo(hdr.ID, NEGOTIATION_TYPE_INFO_DESCRIPTION, []byte(export.Description)); err != nil {
		return false, err
	}

	if err := s.writeInfo(hdr.ID, blockSizeInfo{
		Type:               NEGOTIATION_TYPE_INFO_BLOCKSIZE,
		MinimumBlockSize:   s.opts.MinimumBlockSize,
		PreferredBlockSize: s.opts.PreferredBlockSize,
		MaximumBlockSize:   s.opts.MaximumBlockSize,
	}); err != nil {
		return false, err
	}

	if err := s.writeOptionReply(hdr.ID, NEGOTIATION_TYPE_REPLY_ACK, nil); err != nil {
		return false, err
	}

	s.export = export
	return true, nil
}

func (s *session) reply(handle uint64, code uint32, data []byte) error {
	if err := binary.Write(s.conn, binary.BigEndian, simpleReply{
		ReplyMagic: TRANSMISSION_MAGIC_REPLY,
		Error:      code,
		Handle:     handle,
	}); err != nil {
		return err
	}

	if code != 0 || len(data) == 0 {
		return nil
	}

	_, err := s.conn.Write(data)
	return err
}

func (s *session) replyErr(handle uint64, err error) error {
	if err == nil {
		return s.reply(handle, 0, nil)
	}

	code := errorCode(err)
	s.log.Error("request failed", "handle", handle, "code", code, "error", err)

	return s.reply(handle, code, nil)
}

func (s *session) transmit() error {
	backend := s.export.Backend

	var b []byte

	for {
		var hdr requestHeader
		if err := binary.Read(s.conn, binary.BigEndian, &hdr); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		if hdr.RequestMagic != TRANSMISSION_MAGIC_REQUEST {
			return ErrInvalidMagic
		}

		s.log.Trace("request", "type", hdr.Type, "offset", hdr.Offset, "len", hdr.Length)

		length := int(hdr.Length)

		if hdr.Offset > uint64(1<<63-1) {
			if hdr.Type == TRANSMISSION_TYPE_REQUEST_WRITE {
				if _, err := io.CopyN(io.Discard, s.conn, int64(length)); err != nil {
					return err
				}
			}

			if err := s.reply(hdr.Handle, TRANSMISSION_ERROR_EINVAL, nil); err != nil {
				return err
			}

			continue
		}

		off := int64(hdr.Offset)

		if hdr.Type == TRANSMISSION_TYPE_REQUEST_READ || hdr.Type == TRANSMISSION_TYPE_REQUEST_WRITE {
			if length > s.opts.MaximumRequestSize {
				if hdr.Type == TRANSMISSION_TYPE_REQUEST_WRITE {
					if _, err := io.CopyN(io.Discard, s.conn, int64(length)); err != nil {
						return err
					}
				}

				s.log.Error("request too large", "len", length, "max", s.opts.MaximumRequestSize)

				if err := s.reply(hdr.Handle, TRANSMISSION_ERROR_EINVAL, nil); err != nil {
					return err
				}

				continue
			}

			if length > len(b) {
				b = make([]byte, length)
			}
		}

		switch hdr.Type {
		case TRANSMISSION_TYPE_REQUEST_READ:
			n, err := backend.ReadAt(b[:length], off)
			if err == nil && n != length {
				err = io.ErrUnexpectedEOF
			}

			if err != nil {
				if err := s.replyErr(hdr.Handle, err); err != nil {
					return err
				}

				break
			}

			if err := s.reply(hdr.Handle, 0, b[:length]); err != nil {
				return err
			}
		case TRANSMISSION_TYPE_REQUEST_WRITE:
			if _, err := io.ReadFull(s.conn, b[:length]); err != nil {
				return err
			}

			if s.opts.ReadOnly {
				if err := s.reply(hdr.Handle, TRANSMISSION_ERROR_EPERM, nil); err != nil {
					return err
				}

				break
			}

			_, err := backend.WriteAt(b[:length], off)
			if err := s.replyErr(hdr.Handle, err); err != nil {
				return err
			}
		case TRANSMISSION_TYPE_REQUEST_WRITEZ:
			if s.opts.ReadOnly {
				if err := s.reply(hdr.Handle, TRANSMISSION_ERROR_EPERM, nil); err != nil {
					return err
				}

				break
			}

			err := backend.ZeroAt(off, int64(length), hdr.CommandFlags&TRANSMISSION_FLAG_NO_HOLE == 0)
			if err := s.replyErr(hdr.Handle, err); err != nil {
				return err
			}
		case TRANSMISSION_TYPE_REQUEST_TRIM:
			if s.opts.ReadOnly {
				if err := s.reply(hdr.Handle, TRANSMISSION_ERROR_EPERM, nil); err != nil {
					return err
				}

				break
			}

			err := backend.Trim(off, int64(length))
			if err := s.replyErr(hdr.Handle, err); err != nil {
				return err
			}
		case TRANSMISSION_TYPE_REQUEST_FLUSH:
			var err error
			if !s.opts.ReadOnly {
				err = backend.Sync()
			}

			if err := s.replyErr(hdr.Handle, err); err != nil {
				return err
			}
		case TRANSMISSION_TYPE_REQUEST_DISC:
			if !s.opts.ReadOnly {
				if err := backend.Sync(); err != nil {
					s.log.Error("error syncing on disconnect", "error", err)
				}
			}

			return nil
		default:
			if err := s.reply(hdr.Handle, TRANSMISSION_ERROR_EINVAL, nil); err != nil {
				return err
			}
		}
	}
}
