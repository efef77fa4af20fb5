package qzone

// Credentials QZone登录态，HostUin为空时使用Uin
type Credentials struct {
	Uin     string `json:"uin"`
	PSkey   string `json:"p_skey"`
	HostUin string `json:"host_uin,omitempty"`
}

// Host 返回空间所属者uin
func (c Credentials) Host() string {
	if c.HostUin != "" {
		return c.HostUin
	}
	return c.Uin
}

// MultiPicInfo 批量上传进度信息，iCurUpload从1开始计数
type MultiPicInfo struct {
	BatUploadNum int `json:"iBatUploadNum"`
	CurUpload    int `json:"iCurUpload"`
	SuccNum      int `json:"iSuccNum"`
	FailNum      int `json:"iFailNum"`
}

// BatchControlRequest 上传会话协商参数
type BatchControlRequest struct {
	Checksum  string // 文件MD5
	FileLen   int64
	AlbumID   string
	AlbumName string
	Filename  string
	PicTitle  string
	PicDesc   string
	PicWidth  int
	PicHeight int
	BatchID   int64 // 批次ID，0时由客户端生成
	MultiPic  *MultiPicInfo
}

// BatchControlResult 会话协商结果
type BatchControlResult struct {
	Session string
	BatchID int64 // 实际使用的批次ID
}

// ChunkUploadRequest 分片上传参数，Data为base64编码的分片内容
type ChunkUploadRequest struct {
	Session   string
	Offset    int64
	Data      string
	End       int64 // 分片结束偏移（不含）
	Seq       int
	Checksum  string
	SliceSize int
}

// ChunkUploadResult 分片上传结果，Completed为true表示远端已收齐全部分片
type ChunkUploadResult struct {
	Flag      int
	Completed bool
}

// 以下为QZone sliceUpload接口的线上格式，字段名不可改动

type tokenPayload struct {
	Type  int    `json:"type"`
	Data  string `json:"data"`
	Appid int    `json:"appid"`
}

type envPayload struct {
	Refer      string `json:"refer"`
	DeviceInfo string `json:"deviceInfo"`
}

type bizReqPayload struct {
	PicTitle        string        `json:"sPicTitle"`
	PicDesc         string        `json:"sPicDesc"`
	AlbumName       string        `json:"sAlbumName"`
	AlbumID         string        `json:"sAlbumID"`
	AlbumTypeID     int           `json:"iAlbumTypeID"`
	Bitmap          int           `json:"iBitmap"`
	UploadType      int           `json:"iUploadType"`
	UpPicType       int           `json:"iUpPicType"`
	BatchID         int64         `json:"iBatchID"`
	PicPath         string        `json:"sPicPath"`
	PicWidth        int           `json:"iPicWidth"`
	PicHight        int           `json:"iPicHight"`
	WaterType       int           `json:"iWaterType"`
	DistinctUse     int           `json:"iDistinctUse"`
	NeedFeeds       int           `json:"iNeedFeeds"`
	UploadTime      int64         `json:"iUploadTime"`
	MapExt          interface{}   `json:"mapExt"`
	MultiPicInfo    *MultiPicInfo `json:"mutliPicInfo"`
	ExifCameraMaker string        `json:"sExif_CameraMaker"`
	ExifCameraModel string        `json:"sExif_CameraModel"`
	ExifTime        string        `json:"sExif_Time"`
	ExifLatRef      string        `json:"sExif_LatitudeRef"`
	ExifLat         string        `json:"sExif_Latitude"`
	ExifLngRef      string        `json:"sExif_LongitudeRef"`
	ExifLng         string        `json:"sExif_Longitude"`
}

type controlReqPayload struct {
	Uin       string        `json:"uin"`
	Token     tokenPayload  `json:"token"`
	Appid     string        `json:"appid"`
	Checksum  string        `json:"checksum"`
	CheckType int           `json:"check_type"`
	FileLen   int64         `json:"file_len"`
	Env       envPayload    `json:"env"`
	Model     int           `json:"model"`
	BizReq    bizReqPayload `json:"biz_req"`
	Session   string        `json:"session"`
	AsyUpload int           `json:"asy_upload"`
	Cmd       string        `json:"cmd"`
}

type batchControlPayload struct {
	ControlReq []controlReqPayload `json:"control_req"`
}

type chunkBizReqPayload struct {
	UploadType int `json:"iUploadType"`
}

type chunkPayload struct {
	Uin       string             `json:"uin"`
	Appid     string             `json:"appid"`
	Session   string             `json:"session"`
	Offset    int64              `json:"offset"`
	Data      string             `json:"data"`
	Checksum  string             `json:"checksum"`
	CheckType int                `json:"check_type"`
	Retry     int                `json:"retry"`
	Seq       int                `json:"seq"`
	End       int64              `json:"end"`
	Cmd       string             `json:"cmd"`
	SliceSize int                `json:"slice_size"`
	BizReq    chunkBizReqPayload `json:"biz_req"`
}

type apiResponse struct {
	Ret  int    `json:"ret"`
	Msg  string `json:"msg"`
	Data struct {
		Session string `json:"session"`
		Flag    int    `json:"flag"`
	} `json:"data"`
}
