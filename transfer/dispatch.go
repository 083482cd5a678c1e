package transfer

import (
	"encoding/json"

	"github.com/floegence/lanshare/crypto/e2ee"
	"github.com/floegence/lanshare/transporterr"
	"github.com/floegence/lanshare/wire"
)

// Dispatch routes one decoded frame to the matching Engine handler by
// message type, decoding its JSON body first where applicable. It is the
// receiver-side glue between server.Event and the Engine's typed handlers.
//
// sc is the active stream decryptor for MsgFileData frames, or nil for a
// plaintext or not-yet-initialized stream; callers typically keep one
// *e2ee.StreamCipher per transfer id, built upon receiving MsgFileStreamInit.
func (e *Engine) Dispatch(mt wire.MessageType, payload []byte, sc *e2ee.StreamCipher) error {
	switch mt {
	case wire.MsgFileRequest:
		var req FileRequestMsg
		if err := json.Unmarshal(payload, &req); err != nil {
			return transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeBadJSON, err)
		}
		_, err := e.HandleFileRequest(req)
		return err
	case wire.MsgFileData:
		return e.HandleFileData(payload, sc)
	case wire.MsgFileComplete:
		var msg FileCompleteMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			return transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeBadJSON, err)
		}
		return e.HandleFileComplete(msg)
	case wire.MsgFileCancel:
		var msg FileCancelMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			return transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeBadJSON, err)
		}
		return e.HandleFileCancel(msg)
	case wire.MsgFileReject:
		var msg FileRejectMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			return transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeBadJSON, err)
		}
		return e.HandleFileReject(msg)
	case wire.MsgFileAck:
		var msg FileAckMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			return transporterr.Wrap(transporterr.StageTransfer, transporterr.CodeBadJSON, err)
		}
		return e.HandleFileAck(msg)
	default:
		return transporterr.Wrap(transporterr.StageFrame, transporterr.CodeUnexpectedMessageType, nil)
	}
}
