package model

// UploadMetadata 是随分片请求头携带、最终转发给上游的资产元数据。
type UploadMetadata struct {
	DeviceID       string
	DeviceAssetID  string
	FileCreatedAt  string
	FileModifiedAt string
	IsFavorite     string
}

// ChunkStatus 是 chunk-status 查询的响应体。
type ChunkStatus struct {
	Exists         bool  `json:"exists"`
	ReceivedBytes  int64 `json:"receivedBytes"`
	UploadedChunks []int `json:"uploadedChunks"`
}

// ChunkAck 是中间分片的确认响应。
type ChunkAck struct {
	Status string `json:"status"`
	Index  int    `json:"index"`
}
