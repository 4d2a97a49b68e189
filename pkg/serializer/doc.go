/*
Package serializer reads and writes the opaque payloads plug-ins store
on provider, service and user-service rows.

The format is field-by-field: a 6-byte magic header, a CRC32 of the
body, then length-prefixed {name, type, value} records sorted by field
name. Payloads may additionally be zlib-compressed or AES-GCM
encrypted; the magic header announces which, so reading auto-detects
the envelope.
*/
package serializer
