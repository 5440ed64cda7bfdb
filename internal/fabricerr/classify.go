package fabricerr

import (
	"context"
	"errors"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Classify maps a fabric-gateway or gRPC failure onto the taxonomy. The
// typed gateway errors pin the failing phase (endorse, submit, commit
// status, commit validation); raw gRPC codes cover connect and evaluate
// paths. Already-classified errors pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var already *Error
	if errors.As(err, &already) {
		return already
	}

	var commitErr *client.CommitError
	if errors.As(err, &commitErr) {
		return classifyCommit(commitErr)
	}

	var endorseErr *client.EndorseError
	if errors.As(err, &endorseErr) {
		return classifyEndorse(endorseErr)
	}

	var submitErr *client.SubmitError
	if errors.As(err, &submitErr) {
		kind := kindFromCode(submitErr.GRPCStatus().Code(), KindOrdering)
		return &Error{Kind: kind, TxID: submitErr.TransactionID, Msg: "orderer submit failed", Err: err}
	}

	var statusErr *client.CommitStatusError
	if errors.As(err, &statusErr) {
		kind := kindFromCode(statusErr.GRPCStatus().Code(), KindOrdering)
		return &Error{Kind: kind, TxID: statusErr.TransactionID, Msg: "commit status wait failed", Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Err: err}
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		return &Error{Kind: kindFromCode(st.Code(), KindConnect), Err: err}
	}

	return &Error{Kind: KindUnknown, Err: err}
}

// classifyCommit handles transactions that reached the ledger but failed
// validation. Read conflicts are worth retrying; policy failures are not.
func classifyCommit(ce *client.CommitError) *Error {
	kind := KindChaincode
	switch ce.Code {
	case peer.TxValidationCode_MVCC_READ_CONFLICT, peer.TxValidationCode_PHANTOM_READ_CONFLICT:
		kind = KindOrdering
	}
	return &Error{
		Kind: kind,
		TxID: ce.TransactionID,
		Msg:  "commit validation " + ce.Code.String(),
		Err:  ce,
	}
}

// classifyEndorse separates peer-unreachable conditions from chaincode
// rejections, which both surface during endorsement.
func classifyEndorse(ee *client.EndorseError) *Error {
	return &Error{Kind: endorseKind(ee.GRPCStatus().Code()), TxID: ee.TransactionID, Msg: "endorsement failed", Err: ee}
}

func endorseKind(code codes.Code) Kind {
	switch code {
	case codes.DeadlineExceeded:
		return KindTimeout
	case codes.Unavailable:
		return KindEndorsement
	case codes.PermissionDenied, codes.Unauthenticated:
		return KindPermission
	case codes.Aborted, codes.Unknown, codes.Internal, codes.InvalidArgument, codes.FailedPrecondition:
		// The gateway reports chaincode rejections through these codes
		// with the rejection text in the message.
		return KindChaincode
	default:
		return KindEndorsement
	}
}

func kindFromCode(code codes.Code, fallback Kind) Kind {
	switch code {
	case codes.DeadlineExceeded:
		return KindTimeout
	case codes.Canceled:
		return KindTimeout
	case codes.PermissionDenied, codes.Unauthenticated:
		return KindPermission
	case codes.Unavailable:
		return KindConnect
	default:
		return fallback
	}
}
