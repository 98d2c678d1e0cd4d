package network

const (
	MsgTypeHeartbeat = 1

	MsgTypeJoinRoom     = 101
	MsgTypeLeaveRoom    = 102
	MsgTypeRoomSnapshot = 103
	MsgTypeWatchRoom    = 104
	MsgTypeUnwatchRoom  = 105

	MsgTypeAnimationDone = 203

	MsgTypeRoomState        = 301
	MsgTypeCountdownTick    = 302
	MsgTypeAnimationStart   = 303
	MsgTypeWinnerResult     = 304
	MsgTypeProcessingFailed = 305
	MsgTypeRoomReset        = 306
	MsgTypeParticipantJoin  = 307
	MsgTypeParticipantLeave = 308
	MsgTypeBalanceUpdate    = 309

	MsgTypeError = 400
)
