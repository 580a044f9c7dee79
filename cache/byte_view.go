package cache

// ByteView 只读的字节视图，用于缓存数据
type ByteView struct {
	b []byte
}

// NewByteView 拷贝一份数据，调用方之后修改原切片不影响缓存
func NewByteView(b []byte) ByteView {
	return ByteView{b: cloneBytes(b)}
}

// Len 返回字节长度
func (v ByteView) Len() int {
	return len(v.b)
}

// ByteSlice 返回字节副本
func (v ByteView) ByteSlice() []byte {
	return cloneBytes(v.b)
}

// String 返回字符串
func (v ByteView) String() string {
	return string(v.b)
}

// cloneBytes 返回字节的副本
func cloneBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
