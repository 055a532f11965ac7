package gmail

// Wire types for the subset of the Gmail REST API the syncer consumes.

// Message is a mail message as returned by messages.get.
type Message struct {
	ID           string       `json:"id"`
	ThreadID     string       `json:"threadId"`
	HistoryID    string       `json:"historyId"`
	InternalDate string       `json:"internalDate"`
	LabelIDs     []string     `json:"labelIds"`
	Snippet      string       `json:"snippet"`
	Payload      *MessagePart `json:"payload"`
}

// MessagePart is one node of a message's MIME tree.
type MessagePart struct {
	MimeType string        `json:"mimeType"`
	Filename string        `json:"filename"`
	Headers  []Header      `json:"headers"`
	Body     *PartBody     `json:"body"`
	Parts    []MessagePart `json:"parts"`
}

// Header is a single RFC 2822 header.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PartBody holds the body data of a MIME part, base64url encoded.
type PartBody struct {
	Size int    `json:"size"`
	Data string `json:"data"`
}

// Thread is a conversation as returned by threads.get.
type Thread struct {
	ID        string    `json:"id"`
	HistoryID string    `json:"historyId"`
	Messages  []Message `json:"messages"`
}

type messageList struct {
	Messages           []messageRef `json:"messages"`
	NextPageToken      string       `json:"nextPageToken"`
	ResultSizeEstimate int          `json:"resultSizeEstimate"`
}

type messageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type threadList struct {
	Threads       []threadRef `json:"threads"`
	NextPageToken string      `json:"nextPageToken"`
}

type threadRef struct {
	ID        string `json:"id"`
	HistoryID string `json:"historyId"`
}

type historyList struct {
	History       []historyRecord `json:"history"`
	NextPageToken string          `json:"nextPageToken"`
	HistoryID     string          `json:"historyId"`
}

type historyRecord struct {
	ID              string           `json:"id"`
	MessagesAdded   []messageWrapper `json:"messagesAdded"`
	MessagesDeleted []messageWrapper `json:"messagesDeleted"`
}

type messageWrapper struct {
	Message messageRef `json:"message"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
