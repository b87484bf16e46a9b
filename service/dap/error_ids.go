package dap

// Unique identifiers for messages returned for errors from requests.
// These values are not mandated by DAP (other than the uniqueness
// requirement), so each implementation is free to choose their own.
const (
	UnsupportedCommand int = 9999
	InternalError      int = 8888
	NotYetImplemented  int = 7777

	FailedToLaunch            = 3000
	FailedToAttach            = 3001
	UnableToDisplayThreads    = 2003
	UnableToProduceStackTrace = 2004
	UnableToListScopes        = 2005
	UnableToListVariables     = 2006
	UnableToSetVariable       = 2007
	UnableToEvaluateExpression = 2008
	UnableToSetBreakpoints    = 2009
	NoSourceAvailable         = 2010
)
